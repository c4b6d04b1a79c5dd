package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/engine"
)

// CacheCheck looks the whole query up in the answer cache. A hit skips
// the research pipeline entirely; the store degrades misses internally
// so this step cannot fail.
type CacheCheck struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewCacheCheck creates the cache lookup step.
func NewCacheCheck(cacheManager *cache.Manager, logger *zap.Logger) *CacheCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheCheck{cache: cacheManager, logger: logger}
}

func (s *CacheCheck) Name() string { return engine.StepCacheCheck }

func (s *CacheCheck) Validate(st *engine.WorkflowState) error {
	if st.Query == "" {
		return &engine.ValidationError{Step: s.Name(), Field: "query", Reason: "empty"}
	}
	return nil
}

func (s *CacheCheck) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	if s.cache == nil {
		return &engine.Delta{FromCache: engine.Bool(false)}, nil
	}

	entry, ok := s.cache.GetAnswer(ctx, st.Query)
	if !ok {
		return &engine.Delta{FromCache: engine.Bool(false)}, nil
	}

	s.logger.Info("Answer cache hit",
		zap.String("run_id", st.RunID),
		zap.Int64("usage_count", entry.UsageCount),
	)
	return &engine.Delta{
		FinalAnswer:   engine.String(entry.AnswerText),
		Confidence:    engine.Float(entry.ConfidenceScore),
		AnswerSources: entry.Sources,
		FromCache:     engine.Bool(true),
	}, nil
}
