package recovery

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/util"
)

// recoverablePatterns mark transient failures worth retrying.
var recoverablePatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"rate limit",
	"rate_limit",
	"temporar",
	"network",
	"unavailable",
	"deadline exceeded",
	"too many requests",
}

// nonRecoverablePatterns mark failures a retry cannot fix.
var nonRecoverablePatterns = []string{
	"authentication",
	"unauthorized",
	"permission",
	"forbidden",
	"invalid_config",
	"missing_data",
	"not found",
	"invalid request",
}

// Apology texts keyed by root cause.
const (
	apologyNetwork = "I'm sorry, I couldn't reach the knowledge base due to a connection problem. Please try again in a moment."
	apologyRate    = "I'm sorry, the service is handling too many requests right now. Please try again shortly."
	apologyAuth    = "I'm sorry, I'm not authorized to access the resources needed for this question."
	apologyMissing = "I'm sorry, some information required to answer this question is missing."
	apologyGeneric = "I'm sorry, something went wrong while answering your question. Please try again."
)

// Manager decides how a run proceeds after a step fails: retry the
// step, jump to a later step with substituted data, or degrade to an
// apology answer.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a recovery manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Recover classifies the failure, records it on the state, and picks
// the recovery action. Transient failures are retried while the retry
// budget lasts; after that each step has its own fallback.
func (m *Manager) Recover(st *engine.WorkflowState, stepName string, err error) engine.RecoveryAction {
	kind := engine.KindOf(err)
	recoverable := m.isRecoverable(kind, err)

	st.ErrorInfo = &engine.ErrorRecord{
		FailedStep:  stepName,
		Kind:        kind,
		Message:     err.Error(),
		Timestamp:   time.Now().UTC(),
		Recoverable: recoverable,
	}

	action := m.pick(st, stepName, recoverable, err)
	m.logger.Warn("Step failed, recovering",
		zap.String("run_id", st.RunID),
		zap.String("step", stepName),
		zap.String("kind", string(kind)),
		zap.Bool("recoverable", recoverable),
		zap.String("action", action.Kind.String()),
		zap.Error(err),
	)
	return action
}

func (m *Manager) isRecoverable(kind engine.ErrorKind, err error) bool {
	switch kind {
	case engine.KindValidation, engine.KindConfiguration:
		return false
	case engine.KindInsufficientContext:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRecoverablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	// Unknown failures get the benefit of the doubt.
	return true
}

func (m *Manager) pick(st *engine.WorkflowState, stepName string, recoverable bool, err error) engine.RecoveryAction {
	if recoverable && st.RetryCount < st.MaxRetries {
		st.RetryCount++
		return engine.RecoveryAction{Kind: engine.ActionRetry}
	}

	switch stepName {
	case engine.StepPlan:
		// Research the question as a single task instead of giving up
		// on decomposition.
		st.Plan = []engine.SubQueryTask{{Text: st.Query}}
		return engine.RecoveryAction{Kind: engine.ActionJump, Step: engine.StepResearch}

	case engine.StepResearch:
		st.SubAnswers = []engine.SubQueryResult{{
			SubQuery:   st.Query,
			AnswerText: "Research could not be completed for this question.",
			Succeeded:  false,
		}}
		return engine.RecoveryAction{Kind: engine.ActionJump, Step: engine.StepSynthesize}

	case engine.StepSynthesize:
		if answer := concatenateSubAnswers(st.SubAnswers); answer != "" {
			st.FinalAnswer = answer
			st.ConfidenceScore = 0.3
			return engine.RecoveryAction{Kind: engine.ActionJump, Step: engine.StepPersist}
		}
		return engine.RecoveryAction{Kind: engine.ActionDegrade, Message: apologyFor(err)}

	default:
		return engine.RecoveryAction{Kind: engine.ActionDegrade, Message: apologyFor(err)}
	}
}

// concatenateSubAnswers builds a last-resort answer from whatever the
// research phase managed to find.
func concatenateSubAnswers(subs []engine.SubQueryResult) string {
	parts := make([]string, 0, len(subs))
	for _, s := range subs {
		if !s.Succeeded || strings.TrimSpace(s.AnswerText) == "" {
			continue
		}
		parts = append(parts, s.AnswerText)
	}
	return util.JoinNonEmpty(parts, "\n\n")
}

func apologyFor(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "too many requests"):
		return apologyRate
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "unavailable"):
		return apologyNetwork
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "permission"):
		return apologyAuth
	case strings.Contains(msg, "missing_data"), strings.Contains(msg, "not found"):
		return apologyMissing
	default:
		return apologyGeneric
	}
}
