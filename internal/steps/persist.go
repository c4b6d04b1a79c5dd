package steps

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/engine"
)

// MessageRecorder appends turns to conversation history. Satisfied by
// conversation.Manager.
type MessageRecorder interface {
	AddMessage(ctx context.Context, conversationID, role, text string) error
}

// Persist records the exchange in conversation memory, admits the
// answer to the cache, and completes the run. Memory and cache writes
// are best effort; a finished answer is never lost to a storage error.
type Persist struct {
	recorder MessageRecorder
	cache    *cache.Manager
	logger   *zap.Logger
}

// NewPersist creates the persistence step. Both collaborators may be nil.
func NewPersist(recorder MessageRecorder, cacheManager *cache.Manager, logger *zap.Logger) *Persist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persist{recorder: recorder, cache: cacheManager, logger: logger}
}

func (s *Persist) Name() string { return engine.StepPersist }

func (s *Persist) Validate(st *engine.WorkflowState) error {
	if strings.TrimSpace(st.FinalAnswer) == "" {
		return &engine.ValidationError{Step: s.Name(), Field: "final_answer", Reason: "empty"}
	}
	return nil
}

func (s *Persist) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	if s.recorder != nil && st.ConversationID != "" {
		if err := s.recorder.AddMessage(ctx, st.ConversationID, "user", st.OriginalQuery); err != nil {
			s.logger.Warn("Failed to record user message",
				zap.String("run_id", st.RunID),
				zap.Error(err),
			)
		}
		if err := s.recorder.AddMessage(ctx, st.ConversationID, "assistant", st.FinalAnswer); err != nil {
			s.logger.Warn("Failed to record assistant message",
				zap.String("run_id", st.RunID),
				zap.Error(err),
			)
		}
	}

	// Runs that degraded or recovered through fallbacks do not seed the
	// cache; only clean answers are worth replaying.
	if s.cache != nil && st.ErrorInfo == nil {
		s.cache.PutAnswer(ctx, st.OriginalQuery, cache.Entry{
			AnswerText:      st.FinalAnswer,
			ConfidenceScore: st.ConfidenceScore,
			Sources:         st.AnswerSources,
		}, st.FromCache)
	}

	return &engine.Delta{Status: engine.StatusOf(engine.StatusCompleted)}, nil
}
