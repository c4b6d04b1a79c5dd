package steps

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/util"
)

const synthesizePrompt = `Write the final answer to the user's question using the research findings
below. Cite section numbers where the findings do. If a finding
reports no information, say so honestly rather than inventing content.

Question: %s

Conversation context:
%s

Findings:
%s

End your reply with a separate last line:
CONFIDENCE: <number between 0 and 1>`

const defaultConfidence = 0.6

var confidenceRe = regexp.MustCompile(`(?im)^\s*confidence:\s*([0-9]*\.?[0-9]+)\s*$`)

// Synthesize merges the research findings into one final answer and
// extracts the model's self-reported confidence.
type Synthesize struct {
	generator llm.Generator
	logger    *zap.Logger
}

// NewSynthesize creates the synthesis step.
func NewSynthesize(generator llm.Generator, logger *zap.Logger) *Synthesize {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesize{generator: generator, logger: logger}
}

func (s *Synthesize) Name() string { return engine.StepSynthesize }

func (s *Synthesize) Validate(st *engine.WorkflowState) error {
	if len(st.SubAnswers) == 0 {
		return &engine.ValidationError{Step: s.Name(), Field: "sub_answers", Reason: "empty"}
	}
	return nil
}

func (s *Synthesize) Execute(ctx context.Context, st *engine.WorkflowState) (*engine.Delta, error) {
	contextBlock := st.ConversationContext
	if strings.TrimSpace(contextBlock) == "" {
		contextBlock = "(none)"
	}

	var findings strings.Builder
	for i, sub := range st.SubAnswers {
		fmt.Fprintf(&findings, "%d. %s\n%s\n\n", i+1, sub.SubQuery, sub.AnswerText)
	}

	prompt := fmt.Sprintf(synthesizePrompt, st.OriginalQuery, contextBlock, findings.String())
	raw, err := s.generator.Generate(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 1024})
	if err != nil {
		return nil, err
	}

	answer, confidence := ParseConfidence(raw)
	if strings.TrimSpace(answer) == "" {
		return nil, &engine.InsufficientContextError{Strategy: "synthesize"}
	}

	s.logger.Info("Answer synthesized",
		zap.String("run_id", st.RunID),
		zap.Float64("confidence", confidence),
		zap.String("answer", util.TruncateString(answer, 120, true)),
	)

	return &engine.Delta{
		FinalAnswer:   engine.String(answer),
		Confidence:    engine.Float(confidence),
		AnswerSources: collectSources(st.SubAnswers),
	}, nil
}

// ParseConfidence strips a trailing CONFIDENCE line from the reply and
// returns its clamped value, or the default when absent or malformed.
func ParseConfidence(raw string) (string, float64) {
	confidence := defaultConfidence
	m := confidenceRe.FindStringSubmatch(raw)
	if m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = clamp(v)
		}
		raw = confidenceRe.ReplaceAllString(raw, "")
	}
	return strings.TrimSpace(raw), confidence
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func collectSources(subs []engine.SubQueryResult) []string {
	var sources []string
	for _, sub := range subs {
		if !sub.Succeeded {
			continue
		}
		for _, src := range sub.SourcesUsed {
			if !util.ContainsString(sources, src) {
				sources = append(sources, src)
			}
		}
	}
	return sources
}
