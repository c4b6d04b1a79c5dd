package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/research"
	"github.com/regulus-ai/regulus/internal/util"
)

// Messages holds canned reply texts for queries that end a run at
// classification.
type Messages struct {
	Clarify string `yaml:"clarify" mapstructure:"clarify"`
	Reject  string `yaml:"reject" mapstructure:"reject"`
}

// DefaultMessages returns the standard canned replies.
func DefaultMessages() Messages {
	return Messages{
		Clarify: "Could you clarify your question? A section number or more specific wording would help me find the right provisions.",
		Reject:  "I can only help with questions about the regulatory code. Please ask about its requirements, sections, or definitions.",
	}
}

const classifyPrompt = `Classify the user's question about the regulatory code.

Labels:
- engage: a substantive question requiring research
- direct_retrieval: asks for a specific section, table, or chapter by number
- clarify: too vague or ambiguous to act on
- reject: unrelated to the regulatory code

Also decide whether the conversation context below already contains
enough information to answer without new research.

Conversation context:
%s

Question: %s

Respond with JSON only: {"label": "...", "context_sufficient": true|false}`

type classifyVerdict struct {
	Label             string `json:"label"`
	ContextSufficient bool   `json:"context_sufficient"`
}

// Classify routes the incoming query: substantive questions continue
// through the pipeline, section requests short-circuit planning, and
// vague or off-topic queries end the run with a canned reply.
type Classify struct {
	generator llm.Generator
	messages  Messages
	logger    *zap.Logger
}

// NewClassify creates the classification step.
func NewClassify(generator llm.Generator, messages Messages, logger *zap.Logger) *Classify {
	if logger == nil {
		logger = zap.NewNop()
	}
	if messages.Clarify == "" {
		messages.Clarify = DefaultMessages().Clarify
	}
	if messages.Reject == "" {
		messages.Reject = DefaultMessages().Reject
	}
	return &Classify{generator: generator, messages: messages, logger: logger}
}

func (s *Classify) Name() string { return engine.StepClassify }

func (s *Classify) Validate(st *engine.WorkflowState) error {
	if strings.TrimSpace(st.Query) == "" {
		return &engine.ValidationError{Step: s.Name(), Field: "query", Reason: "empty"}
	}
	return nil
}

func (s *Classify) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	prompt := formatClassifyPrompt(st.ConversationContext, st.Query)
	raw, err := s.generator.Generate(ctx, prompt, llm.Options{Temperature: 0, MaxTokens: 128})
	if err != nil {
		return nil, err
	}

	verdict := parseVerdict(raw)
	class := normalizeLabel(verdict.Label)
	if class == "" {
		s.logger.Warn("Unparseable classification, defaulting to engage",
			zap.String("run_id", st.RunID),
			zap.String("raw", util.TruncateString(raw, 120, false)),
		)
		class = engine.ClassifyEngage
		verdict.ContextSufficient = false
	}

	metrics.RunsStarted.WithLabelValues(string(class)).Inc()

	delta := &engine.Delta{
		Classification:    engine.ClassOf(class),
		ContextSufficient: engine.Bool(verdict.ContextSufficient),
	}

	switch class {
	case engine.ClassifyClarify:
		delta.FinalAnswer = engine.String(s.messages.Clarify)
		delta.Status = engine.StatusOf(engine.StatusCompleted)
	case engine.ClassifyReject:
		delta.FinalAnswer = engine.String(s.messages.Reject)
		delta.Status = engine.StatusOf(engine.StatusCompleted)
	case engine.ClassifyDirectRetrieval:
		if id, kind := research.ExtractEntity(st.Query); kind != "" {
			delta.EntityID = engine.String(id)
			delta.EntityKind = engine.String(string(kind))
			delta.Plan = []engine.SubQueryTask{{Text: st.Query}}
		} else {
			// Claimed a section request but named none; research normally.
			delta.Classification = engine.ClassOf(engine.ClassifyEngage)
		}
	}
	return delta, nil
}

func formatClassifyPrompt(conversationContext, query string) string {
	if strings.TrimSpace(conversationContext) == "" {
		conversationContext = "(none)"
	}
	return fmt.Sprintf(classifyPrompt, conversationContext, query)
}

// parseVerdict tolerates prose around the JSON object.
func parseVerdict(raw string) classifyVerdict {
	var v classifyVerdict
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return v
	}
	_ = json.Unmarshal([]byte(raw[start:end+1]), &v)
	return v
}

func normalizeLabel(label string) engine.Classification {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "engage":
		return engine.ClassifyEngage
	case "direct_retrieval":
		return engine.ClassifyDirectRetrieval
	case "clarify":
		return engine.ClassifyClarify
	case "reject":
		return engine.ClassifyReject
	default:
		return ""
	}
}
