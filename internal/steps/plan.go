package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/util"
)

const planPrompt = `Decompose the question into independent research sub-questions.
For each sub-question also write a short hypothetical answer, phrased the
way the regulatory code itself would phrase it; it seeds semantic search.

Question: %s

Conversation context:
%s

Respond with a JSON array only:
[{"question": "...", "hypothetical_answer": "..."}]
Use at most %d sub-questions. A simple question needs just one.`

type plannedTask struct {
	Question           string `json:"question"`
	HypotheticalAnswer string `json:"hypothetical_answer"`
}

// Plan decomposes the query into research sub-queries, each seeded with
// a hypothetical answer document for semantic search.
type Plan struct {
	generator llm.Generator
	maxTasks  int
	logger    *zap.Logger
}

// NewPlan creates the planning step. maxTasks caps decomposition width;
// values below one fall back to the default of five.
func NewPlan(generator llm.Generator, maxTasks int, logger *zap.Logger) *Plan {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTasks <= 0 {
		maxTasks = 5
	}
	return &Plan{generator: generator, maxTasks: maxTasks, logger: logger}
}

func (s *Plan) Name() string { return engine.StepPlan }

func (s *Plan) Validate(st *engine.WorkflowState) error {
	if strings.TrimSpace(st.Query) == "" {
		return &engine.ValidationError{Step: s.Name(), Field: "query", Reason: "empty"}
	}
	return nil
}

func (s *Plan) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	contextBlock := st.ConversationContext
	if strings.TrimSpace(contextBlock) == "" {
		contextBlock = "(none)"
	}
	prompt := fmt.Sprintf(planPrompt, st.Query, contextBlock, s.maxTasks)

	raw, err := s.generator.Generate(ctx, prompt, llm.Options{Temperature: 0.2, MaxTokens: 768})
	if err != nil {
		return nil, err
	}

	tasks := s.parsePlan(raw)
	if len(tasks) == 0 {
		s.logger.Warn("Decomposition unusable, researching the query as one task",
			zap.String("run_id", st.RunID),
			zap.String("raw", util.TruncateString(raw, 120, false)),
		)
		tasks = []engine.SubQueryTask{{Text: st.Query}}
	}
	if len(tasks) > s.maxTasks {
		tasks = tasks[:s.maxTasks]
	}

	return &engine.Delta{Plan: tasks}, nil
}

// parsePlan tolerates prose around the JSON array and skips entries
// without a question.
func (s *Plan) parsePlan(raw string) []engine.SubQueryTask {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	var planned []plannedTask
	if err := json.Unmarshal([]byte(raw[start:end+1]), &planned); err != nil {
		return nil
	}

	tasks := make([]engine.SubQueryTask, 0, len(planned))
	for _, p := range planned {
		q := strings.TrimSpace(p.Question)
		if q == "" {
			continue
		}
		tasks = append(tasks, engine.SubQueryTask{
			Text:                 q,
			HypotheticalDocument: strings.TrimSpace(p.HypotheticalAnswer),
		})
	}
	return tasks
}
