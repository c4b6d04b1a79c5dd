package research

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon holds domain vocabulary that steers strategy selection.
// Terms that match exact corpus language favor keyword search over
// semantic search.
type Lexicon struct {
	Terms []string `yaml:"terms"`

	lookup map[string]struct{}
}

// defaultTerms cover common regulatory-code vocabulary. A YAML file can
// extend or replace them per deployment.
var defaultTerms = []string{
	"occupancy", "egress", "fire-resistance", "fire resistance rating",
	"dead load", "live load", "seismic", "sprinkler", "standpipe",
	"smoke damper", "fire damper", "means of egress", "travel distance",
	"occupant load", "plumbing fixture", "accessible route", "setback",
	"lot coverage", "variance", "nonconforming", "certificate of occupancy",
}

// DefaultLexicon returns the built-in vocabulary.
func DefaultLexicon() *Lexicon {
	lex := &Lexicon{Terms: defaultTerms}
	lex.index()
	return lex
}

// LoadLexicon reads vocabulary from a YAML file. Terms in the file are
// merged with the defaults.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}

	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}

	lex.Terms = append(lex.Terms, defaultTerms...)
	lex.index()
	return &lex, nil
}

func (l *Lexicon) index() {
	l.lookup = make(map[string]struct{}, len(l.Terms))
	for _, t := range l.Terms {
		l.lookup[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
}

// ContainsTerm reports whether the text mentions any lexicon term.
func (l *Lexicon) ContainsTerm(text string) bool {
	lower := strings.ToLower(text)
	for term := range l.lookup {
		if term != "" && strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
