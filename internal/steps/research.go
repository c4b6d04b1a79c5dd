package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/research"
	"github.com/regulus-ai/regulus/internal/retrieval"
)

// Researcher executes a research plan. Satisfied by research.Coordinator.
type Researcher interface {
	Execute(ctx context.Context, plan []engine.SubQueryTask, hints research.StructuralHints) ([]engine.SubQueryResult, error)
}

// Research fans the plan out to the retrieval coordinator.
type Research struct {
	coordinator Researcher
	logger      *zap.Logger
}

// NewResearch creates the research step.
func NewResearch(coordinator Researcher, logger *zap.Logger) *Research {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Research{coordinator: coordinator, logger: logger}
}

func (s *Research) Name() string { return engine.StepResearch }

func (s *Research) Validate(st *engine.WorkflowState) error {
	if len(st.Plan) == 0 {
		return &engine.ValidationError{Step: s.Name(), Field: "plan", Reason: "empty"}
	}
	return nil
}

func (s *Research) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	hints := research.StructuralHints{
		EntityID:   st.EntityID,
		EntityKind: retrieval.EntityKind(st.EntityKind),
	}
	results, err := s.coordinator.Execute(ctx, st.Plan, hints)
	if err != nil {
		return nil, err
	}

	succeeded := 0
	for _, r := range results {
		if r.Succeeded {
			succeeded++
		}
	}
	s.logger.Info("Research complete",
		zap.String("run_id", st.RunID),
		zap.Int("tasks", len(results)),
		zap.Int("succeeded", succeeded),
	)

	return &engine.Delta{SubAnswers: results}, nil
}
