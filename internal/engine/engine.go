package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/tracing"
	"github.com/regulus-ai/regulus/internal/util"
)

// ActionKind is the decision a Recoverer returns after a step failure.
type ActionKind int

const (
	ActionRetry ActionKind = iota
	ActionJump
	ActionDegrade
)

func (a ActionKind) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionJump:
		return "jump"
	case ActionDegrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// RecoveryAction tells the engine how to proceed after a step failure.
type RecoveryAction struct {
	Kind    ActionKind
	Step    string // target step for Retry and Jump
	Message string // user-facing message for Degrade
}

// Recoverer centralizes failure handling. It may mutate the state (inject
// fallback plans or answers) before returning the action.
type Recoverer interface {
	Recover(st *WorkflowState, stepName string, err error) RecoveryAction
}

// Publisher receives ordered progress events as a side channel, kept separate
// from state mutation.
type Publisher interface {
	Publish(runID, step, status, message string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, string, string) {}

// Transition routes from one step to the next. A nil When matches
// unconditionally; transitions are evaluated in order, first match wins.
type Transition struct {
	When func(*WorkflowState) bool
	To   string
}

// Engine executes a directed graph of named steps as a sequential state
// machine. At most one step of a run is ever active; concurrency lives inside
// individual steps.
type Engine struct {
	steps     map[string]Step
	routes    map[string][]Transition
	entry     string
	recoverer Recoverer
	publisher Publisher
	logger    *zap.Logger
	maxHops   int
}

// New creates an engine with an empty graph.
func New(recoverer Recoverer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		steps:     make(map[string]Step),
		routes:    make(map[string][]Transition),
		recoverer: recoverer,
		publisher: nopPublisher{},
		logger:    logger,
		maxHops:   64,
	}
}

// AddStep registers a node. The first node added becomes the entry unless
// SetEntry overrides it.
func (e *Engine) AddStep(s Step, transitions ...Transition) {
	if e.entry == "" {
		e.entry = s.Name()
	}
	e.steps[s.Name()] = s
	e.routes[s.Name()] = transitions
}

// SetEntry sets the entry node.
func (e *Engine) SetEntry(name string) { e.entry = name }

// SetPublisher attaches a progress event sink.
func (e *Engine) SetPublisher(p Publisher) {
	if p != nil {
		e.publisher = p
	}
}

// SetMaxHops bounds the number of node activations per run, guarding against
// routing cycles introduced by misconfiguration.
func (e *Engine) SetMaxHops(n int) {
	if n > 0 {
		e.maxHops = n
	}
}

// Run executes the graph from the entry step until the state reaches a
// terminal status. A returned error means the run could not be rendered into
// a final answer at all (a configuration defect, not a query failure).
func (e *Engine) Run(ctx context.Context, st *WorkflowState) (*WorkflowState, error) {
	if _, ok := e.steps[e.entry]; !ok {
		st.Status = StatusFailed
		return st, &ConfigurationError{Reason: fmt.Sprintf("entry step %q not registered", e.entry)}
	}
	st.CurrentStep = e.entry

	retrying := false
	for hops := 0; ; hops++ {
		if hops >= e.maxHops {
			st.Status = StatusFailed
			return st, &ConfigurationError{Reason: fmt.Sprintf("run exceeded %d step activations", e.maxHops)}
		}
		step, ok := e.steps[st.CurrentStep]
		if !ok {
			st.Status = StatusFailed
			return st, &ConfigurationError{Reason: fmt.Sprintf("routed to unknown step %q", st.CurrentStep)}
		}

		err := e.runStep(ctx, step, st)
		if err != nil {
			action := e.recoverer.Recover(st, step.Name(), err)
			metrics.RecoveryActions.WithLabelValues(action.Kind.String(), step.Name()).Inc()
			e.logger.Warn("step failed, applying recovery",
				zap.String("run_id", st.RunID),
				zap.String("step", step.Name()),
				zap.String("action", action.Kind.String()),
				zap.Error(err),
			)
			switch action.Kind {
			case ActionRetry:
				retrying = true
				e.publisher.Publish(st.RunID, step.Name(), "retrying", err.Error())
				continue
			case ActionJump:
				retrying = false
				e.publisher.Publish(st.RunID, action.Step, "resuming", "recovered via fallback")
				st.CurrentStep = action.Step
				continue
			case ActionDegrade:
				st.FinalAnswer = action.Message
				st.ConfidenceScore = 0
				st.Status = StatusCompleted
				e.publisher.Publish(st.RunID, step.Name(), "degraded", action.Message)
				return st, nil
			}
		}

		// Only a successful retry resolves the failure record. A run
		// salvaged by jumping to a fallback step keeps it, so downstream
		// steps can tell a clean run from a recovered one.
		if retrying {
			st.ErrorInfo = nil
			retrying = false
		}

		if st.Terminal() {
			return st, nil
		}

		next, ok := e.next(st)
		if !ok {
			// Zero transitions means terminal node; a non-terminal node with
			// no matching edge is a configuration defect.
			if len(e.routes[st.CurrentStep]) == 0 {
				st.Status = StatusCompleted
				return st, nil
			}
			st.Status = StatusFailed
			return st, &ConfigurationError{Reason: fmt.Sprintf("no transition matched from step %q", st.CurrentStep)}
		}
		st.CurrentStep = next
	}
}

// runStep validates, executes, times, and records one step invocation.
// Exactly one StepExecutionRecord is appended per invocation, including
// failed ones. The delta is applied only when Execute succeeds.
func (e *Engine) runStep(ctx context.Context, step Step, st *WorkflowState) error {
	in := util.TruncateString(st.Query, 120, true)

	if err := step.Validate(st); err != nil {
		st.ExecutionLog = append(st.ExecutionLog, StepExecutionRecord{
			StepName:     step.Name(),
			InputSummary: in,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		metrics.StepFailures.WithLabelValues(step.Name(), string(KindOf(err))).Inc()
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "step."+step.Name())
	defer span.End()

	e.publisher.Publish(st.RunID, step.Name(), "started", "")
	start := time.Now()
	delta, err := step.Execute(ctx, st)
	elapsed := time.Since(start)

	rec := StepExecutionRecord{
		StepName:     step.Name(),
		InputSummary: in,
		DurationMs:   elapsed.Milliseconds(),
		Success:      err == nil,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
		st.ExecutionLog = append(st.ExecutionLog, rec)
		metrics.StepFailures.WithLabelValues(step.Name(), string(KindOf(err))).Inc()
		metrics.StepDuration.WithLabelValues(step.Name()).Observe(elapsed.Seconds())
		e.publisher.Publish(st.RunID, step.Name(), "failed", err.Error())
		return err
	}

	apply(st, delta)
	rec.OutputSummary = summarize(delta)
	st.ExecutionLog = append(st.ExecutionLog, rec)
	metrics.StepDuration.WithLabelValues(step.Name()).Observe(elapsed.Seconds())
	e.publisher.Publish(st.RunID, step.Name(), "completed", rec.OutputSummary)
	return nil
}

func (e *Engine) next(st *WorkflowState) (string, bool) {
	for _, tr := range e.routes[st.CurrentStep] {
		if tr.When == nil || tr.When(st) {
			return tr.To, true
		}
	}
	return "", false
}

// summarize renders a short human-readable account of a delta for the
// execution log.
func summarize(d *Delta) string {
	if d == nil {
		return ""
	}
	var parts []string
	if d.Classification != nil {
		parts = append(parts, "classification="+string(*d.Classification))
	}
	if d.Plan != nil {
		parts = append(parts, fmt.Sprintf("plan=%d tasks", len(d.Plan)))
	}
	if d.SubAnswers != nil {
		parts = append(parts, fmt.Sprintf("sub_answers=%d", len(d.SubAnswers)))
	}
	if d.FinalAnswer != nil {
		parts = append(parts, "answer="+util.TruncateString(*d.FinalAnswer, 80, true))
	}
	if d.FromCache != nil && *d.FromCache {
		parts = append(parts, "from_cache")
	}
	if d.Status != nil {
		parts = append(parts, "status="+string(*d.Status))
	}
	return strings.Join(parts, " ")
}
