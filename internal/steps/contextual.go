package steps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
)

const contextualPrompt = `Answer the user's question using only the conversation so far. The
question was judged answerable without new research; do not invent
provisions that were not already discussed.

Conversation context:
%s

Question: %s

End your reply with a separate last line:
CONFIDENCE: <number between 0 and 1>`

// Contextual answers follow-up questions straight from conversation
// history, skipping retrieval entirely.
type Contextual struct {
	generator llm.Generator
	logger    *zap.Logger
}

// NewContextual creates the contextual answer step.
func NewContextual(generator llm.Generator, logger *zap.Logger) *Contextual {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Contextual{generator: generator, logger: logger}
}

func (s *Contextual) Name() string { return engine.StepContextual }

func (s *Contextual) Validate(st *engine.WorkflowState) error {
	if strings.TrimSpace(st.ConversationContext) == "" {
		return &engine.ValidationError{Step: s.Name(), Field: "conversation_context", Reason: "empty"}
	}
	return nil
}

func (s *Contextual) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	prompt := fmt.Sprintf(contextualPrompt, st.ConversationContext, st.Query)
	raw, err := s.generator.Generate(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 768})
	if err != nil {
		return nil, err
	}

	answer, confidence := ParseConfidence(raw)
	if strings.TrimSpace(answer) == "" {
		return nil, &engine.InsufficientContextError{Strategy: "contextual"}
	}

	return &engine.Delta{
		FinalAnswer: engine.String(answer),
		Confidence:  engine.Float(confidence),
	}, nil
}
