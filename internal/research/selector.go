package research

import (
	"regexp"

	"github.com/regulus-ai/regulus/internal/retrieval"
)

var (
	sectionRe = regexp.MustCompile(`(?i)\b(?:section|sec\.?|§)\s*(\d+(?:\.\d+)*)\b`)
	tableRe   = regexp.MustCompile(`(?i)\btable\s*(\d+(?:\.\d+)*)\b`)
	chapterRe = regexp.MustCompile(`(?i)\bchapter\s*(\d+)\b`)
	acronymRe = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	quotedRe  = regexp.MustCompile(`"[^"]{3,}"`)
)

// StructuralHints carries entity information extracted upstream, so the
// selector does not re-parse what classification already found.
type StructuralHints struct {
	EntityID   string
	EntityKind retrieval.EntityKind
}

// ExtractEntity finds a structural reference in the text, if any.
func ExtractEntity(text string) (string, retrieval.EntityKind) {
	if m := sectionRe.FindStringSubmatch(text); m != nil {
		return m[1], retrieval.EntitySection
	}
	if m := tableRe.FindStringSubmatch(text); m != nil {
		return m[1], retrieval.EntityTable
	}
	if m := chapterRe.FindStringSubmatch(text); m != nil {
		return m[1], retrieval.EntityChapter
	}
	return "", retrieval.EntityNone
}

// Select picks the primary retrieval strategy for one sub-query.
// Structural references go straight to direct lookup. Exact-language
// signals favor keyword search. Everything else starts semantic.
func Select(subQuery string, hints StructuralHints, lex *Lexicon) (retrieval.Strategy, string, retrieval.EntityKind) {
	if hints.EntityID != "" {
		return retrieval.StrategyDirectLookup, hints.EntityID, hints.EntityKind
	}
	if id, kind := ExtractEntity(subQuery); kind != retrieval.EntityNone {
		return retrieval.StrategyDirectLookup, id, kind
	}

	if quotedRe.MatchString(subQuery) {
		return retrieval.StrategyKeyword, "", retrieval.EntityNone
	}
	if acronymRe.MatchString(subQuery) {
		return retrieval.StrategyKeyword, "", retrieval.EntityNone
	}
	if lex != nil && lex.ContainsTerm(subQuery) {
		return retrieval.StrategyKeyword, "", retrieval.EntityNone
	}

	return retrieval.StrategyVector, "", retrieval.EntityNone
}
