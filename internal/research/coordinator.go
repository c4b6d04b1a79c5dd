package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/retrieval"
	"github.com/regulus-ai/regulus/internal/tracing"
	"github.com/regulus-ai/regulus/internal/util"
)

// NoInformationFound is the answer text for a sub-query that exhausted
// every retrieval method without finding sufficient context.
const NoInformationFound = "No information found for this question."

// fallbackChain is the fixed escalation order once the primary
// strategy comes up short. The primary is skipped if it appears here.
var fallbackChain = []retrieval.Strategy{
	retrieval.StrategyDirectLookup,
	retrieval.StrategyKeyword,
	retrieval.StrategyWeb,
}

// Config tunes the coordinator. Zero values are replaced by defaults.
type Config struct {
	MaxConcurrent   int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinItems        int           `yaml:"min_items" mapstructure:"min_items"`
	MinScore        float64       `yaml:"min_score" mapstructure:"min_score"`
	SubQueryTimeout time.Duration `yaml:"sub_query_timeout" mapstructure:"sub_query_timeout"`
	RetrievalLimit  int           `yaml:"retrieval_limit" mapstructure:"retrieval_limit"`
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MinItems <= 0 {
		c.MinItems = 1
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.4
	}
	if c.SubQueryTimeout <= 0 {
		c.SubQueryTimeout = 45 * time.Second
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = 8
	}
}

// Coordinator fans research sub-queries out to retrieval backends with
// bounded concurrency, escalating through fallback strategies per
// sub-query, and returns results in plan order.
type Coordinator struct {
	backends  retrieval.Backends
	generator llm.Generator
	cache     *cache.Manager
	lexicon   *Lexicon
	config    Config
	logger    *zap.Logger
}

// NewCoordinator assembles a coordinator. The cache may be nil.
func NewCoordinator(backends retrieval.Backends, generator llm.Generator, cacheManager *cache.Manager, lexicon *Lexicon, config Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	config.applyDefaults()
	return &Coordinator{
		backends:  backends,
		generator: generator,
		cache:     cacheManager,
		lexicon:   lexicon,
		config:    config,
		logger:    logger,
	}
}

// Execute researches every task in the plan. The returned slice always
// has one result per task, in task order. A task that could not be
// answered yields a result with Succeeded=false rather than an error;
// Execute itself fails only on a canceled context.
func (c *Coordinator) Execute(ctx context.Context, plan []engine.SubQueryTask, hints StructuralHints) ([]engine.SubQueryResult, error) {
	if len(plan) == 0 {
		return nil, nil
	}

	ctx, span := tracing.StartSpan(ctx, "research.execute")
	defer span.End()

	// Upstream entity hints only bind when the plan is a single lookup;
	// multi-task plans select per sub-query.
	if len(plan) > 1 {
		hints = StructuralHints{}
	}

	results := make([]engine.SubQueryResult, len(plan))
	sem := make(chan struct{}, c.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, task := range plan {
		wg.Add(1)
		go func(idx int, t engine.SubQueryTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = c.runTask(ctx, t, hints)
		}(i, task)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) runTask(ctx context.Context, task engine.SubQueryTask, hints StructuralHints) engine.SubQueryResult {
	start := time.Now()
	defer func() {
		metrics.SubQueryDuration.Observe(time.Since(start).Seconds())
	}()

	if cached, ok := c.cachedResult(ctx, task.Text); ok {
		return *cached
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.config.SubQueryTimeout)
	defer cancel()

	primary, entityID, entityKind := Select(task.Text, hints, c.lexicon)
	items, method, err := c.retrieve(taskCtx, task, primary, entityID, entityKind)
	if err != nil {
		c.logger.Warn("Sub-query retrieval failed",
			zap.String("sub_query", util.TruncateString(task.Text, 80, true)),
			zap.Error(err),
		)
		return engine.SubQueryResult{
			SubQuery:        task.Text,
			AnswerText:      NoInformationFound,
			RetrievalMethod: string(method),
			Succeeded:       false,
		}
	}
	if len(items) == 0 {
		return engine.SubQueryResult{
			SubQuery:        task.Text,
			AnswerText:      NoInformationFound,
			RetrievalMethod: string(method),
			Succeeded:       false,
		}
	}

	answer, sources := c.composeAnswer(taskCtx, task.Text, items)
	result := engine.SubQueryResult{
		SubQuery:        task.Text,
		AnswerText:      answer,
		RetrievalMethod: string(method),
		SourcesUsed:     sources,
		Succeeded:       true,
	}

	if c.cache != nil {
		c.cache.PutSubAnswer(ctx, task.Text, cache.SubEntry{
			AnswerText:      result.AnswerText,
			RetrievalMethod: result.RetrievalMethod,
			Sources:         result.SourcesUsed,
		})
	}
	return result
}

func (c *Coordinator) cachedResult(ctx context.Context, subQuery string) (*engine.SubQueryResult, bool) {
	if c.cache == nil {
		return nil, false
	}
	entry, ok := c.cache.GetSubAnswer(ctx, subQuery)
	if !ok {
		return nil, false
	}
	return &engine.SubQueryResult{
		SubQuery:        subQuery,
		AnswerText:      entry.AnswerText,
		RetrievalMethod: entry.RetrievalMethod,
		SourcesUsed:     entry.Sources,
		Succeeded:       true,
		FromCache:       true,
	}, true
}

// retrieve runs the primary strategy, then walks the fallback chain
// until one method yields sufficient context. It returns the last
// attempted method alongside its items.
func (c *Coordinator) retrieve(ctx context.Context, task engine.SubQueryTask, primary retrieval.Strategy, entityID string, entityKind retrieval.EntityKind) ([]retrieval.ContextItem, retrieval.Strategy, error) {
	tried := primary
	items, err := c.runStrategy(ctx, task, primary, entityID, entityKind)
	if err == nil && c.sufficient(items) {
		return items, primary, nil
	}
	if err != nil {
		c.logger.Debug("Primary strategy failed",
			zap.String("strategy", string(primary)),
			zap.Error(err),
		)
	}

	last := primary
	var lastErr error
	for _, next := range fallbackChain {
		if next == tried {
			continue
		}
		if !c.backends.Has(next) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, last, err
		}

		metrics.RetrievalFallbacks.WithLabelValues(string(last), string(next)).Inc()
		fbItems, fbErr := c.runStrategy(ctx, task, next, entityID, entityKind)
		last = next
		if fbErr != nil {
			lastErr = fbErr
			continue
		}
		if c.sufficient(fbItems) {
			return fbItems, next, nil
		}
		if len(fbItems) > 0 && len(items) == 0 {
			items = fbItems
		}
	}

	// Insufficient but non-empty context is still worth an answer.
	if len(items) > 0 {
		return items, last, nil
	}
	if lastErr != nil {
		return nil, last, lastErr
	}
	return nil, last, err
}

func (c *Coordinator) runStrategy(ctx context.Context, task engine.SubQueryTask, strategy retrieval.Strategy, entityID string, entityKind retrieval.EntityKind) ([]retrieval.ContextItem, error) {
	limit := c.config.RetrievalLimit
	switch strategy {
	case retrieval.StrategyDirectLookup:
		if c.backends.Direct == nil {
			return nil, &engine.BackendError{Backend: "graph", Err: fmt.Errorf("direct lookup not configured")}
		}
		id, kind := entityID, entityKind
		if id == "" {
			id, kind = ExtractEntity(task.Text)
		}
		if id == "" {
			return nil, nil
		}
		return c.backends.Direct.Lookup(ctx, id, kind)
	case retrieval.StrategyKeyword:
		if c.backends.Keyword == nil {
			return nil, &engine.BackendError{Backend: "graph", Err: fmt.Errorf("keyword search not configured")}
		}
		return c.backends.Keyword.SearchKeyword(ctx, task.Text, limit)
	case retrieval.StrategyVector:
		if c.backends.Vector == nil {
			return nil, &engine.BackendError{Backend: "vector", Err: fmt.Errorf("vector search not configured")}
		}
		return c.backends.Vector.SearchVector(ctx, task.Text, task.HypotheticalDocument, limit)
	case retrieval.StrategyWeb:
		if c.backends.Web == nil {
			return nil, &engine.BackendError{Backend: "web", Err: fmt.Errorf("web search not configured")}
		}
		return c.backends.Web.SearchWeb(ctx, task.Text, limit)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func (c *Coordinator) sufficient(items []retrieval.ContextItem) bool {
	if len(items) < c.config.MinItems {
		return false
	}
	top := 0.0
	for _, it := range items {
		if it.Score > top {
			top = it.Score
		}
	}
	return top >= c.config.MinScore
}

// composeAnswer condenses retrieved context into a focused sub-answer.
// If generation fails, the top passages are returned verbatim so the
// research result is still usable downstream.
func (c *Coordinator) composeAnswer(ctx context.Context, subQuery string, items []retrieval.ContextItem) (string, []string) {
	sources := make([]string, 0, len(items))
	var sb strings.Builder
	for i, it := range items {
		if i >= c.config.RetrievalLimit {
			break
		}
		sources = append(sources, it.ID)
		if it.Title != "" {
			fmt.Fprintf(&sb, "[%s] %s\n", it.ID, it.Title)
		} else {
			fmt.Fprintf(&sb, "[%s]\n", it.ID)
		}
		sb.WriteString(util.TruncateString(it.Text, 1200, true))
		sb.WriteString("\n\n")
	}

	if c.generator == nil {
		return strings.TrimSpace(sb.String()), sources
	}

	prompt := fmt.Sprintf(
		"Answer the question using only the provided passages. Cite passage IDs in brackets.\n\nQuestion: %s\n\nPassages:\n%s\nAnswer:",
		subQuery, sb.String(),
	)
	answer, err := c.generator.Generate(ctx, prompt, llm.Options{Temperature: 0.1, MaxTokens: 512})
	if err != nil {
		c.logger.Warn("Sub-answer generation failed, using raw passages",
			zap.String("sub_query", util.TruncateString(subQuery, 80, true)),
			zap.Error(err),
		)
		return strings.TrimSpace(sb.String()), sources
	}
	return strings.TrimSpace(answer), sources
}
