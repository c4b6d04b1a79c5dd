package retrieval

import "context"

// Strategy identifies a retrieval method.
type Strategy string

const (
	StrategyDirectLookup Strategy = "direct_lookup"
	StrategyKeyword      Strategy = "keyword"
	StrategyVector       Strategy = "vector"
	StrategyWeb          Strategy = "web"
)

// EntityKind classifies structural references found in queries.
type EntityKind string

const (
	EntitySection EntityKind = "section"
	EntityTable   EntityKind = "table"
	EntityChapter EntityKind = "chapter"
	EntityNone    EntityKind = ""
)

// ContextItem is one retrieved document fragment.
type ContextItem struct {
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DirectLookup fetches a document node by its structural identifier
// and kind (section, table, chapter).
type DirectLookup interface {
	Lookup(ctx context.Context, entityID string, kind EntityKind) ([]ContextItem, error)
}

// KeywordSearcher runs term-matching search over the corpus.
type KeywordSearcher interface {
	SearchKeyword(ctx context.Context, query string, limit int) ([]ContextItem, error)
}

// VectorSearcher runs semantic similarity search, optionally seeded
// with a hypothetical answer document.
type VectorSearcher interface {
	SearchVector(ctx context.Context, query, hypothetical string, limit int) ([]ContextItem, error)
}

// WebSearcher queries external sources when the corpus has no answer.
type WebSearcher interface {
	SearchWeb(ctx context.Context, query string, limit int) ([]ContextItem, error)
}

// Backends bundles the retrieval methods available to the coordinator.
// Nil fields mean that method is not configured.
type Backends struct {
	Direct  DirectLookup
	Keyword KeywordSearcher
	Vector  VectorSearcher
	Web     WebSearcher
}

// Has reports whether a strategy has a configured backend.
func (b Backends) Has(s Strategy) bool {
	switch s {
	case StrategyDirectLookup:
		return b.Direct != nil
	case StrategyKeyword:
		return b.Keyword != nil
	case StrategyVector:
		return b.Vector != nil
	case StrategyWeb:
		return b.Web != nil
	default:
		return false
	}
}
