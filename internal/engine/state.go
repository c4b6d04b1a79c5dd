package engine

import (
	"time"
)

// Status of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Classification is the routing decision made for each incoming query.
type Classification string

const (
	ClassifyEngage          Classification = "engage"
	ClassifyDirectRetrieval Classification = "direct_retrieval"
	ClassifyClarify         Classification = "clarify"
	ClassifyReject          Classification = "reject"
)

// Step names used by the routing table and the recovery manager.
const (
	StepClassify   = "classify"
	StepCacheCheck = "cache_check"
	StepPlan       = "plan"
	StepResearch   = "research"
	StepSynthesize = "synthesize"
	StepContextual = "contextual_answer"
	StepPersist    = "persist_memory"
)

// SubQueryTask is one atomic question produced by decomposing the user's
// query. Immutable once created by the Plan step.
type SubQueryTask struct {
	Text                 string `json:"text"`
	HypotheticalDocument string `json:"hypothetical_document,omitempty"`
}

// SubQueryResult is the outcome of researching one SubQueryTask. Results are
// immutable once produced; the coordinator only orders and collects them.
type SubQueryResult struct {
	SubQuery        string   `json:"sub_query"`
	AnswerText      string   `json:"answer_text"`
	RetrievalMethod string   `json:"retrieval_method"`
	SourcesUsed     []string `json:"sources_used,omitempty"`
	Succeeded       bool     `json:"succeeded"`
	FromCache       bool     `json:"from_cache,omitempty"`
}

// ErrorRecord captures the most recent step failure. Cleared when a retry
// succeeds.
type ErrorRecord struct {
	FailedStep  string    `json:"failed_step"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// StepExecutionRecord is one entry in the append-only audit trail kept on the
// state for the duration of a run.
type StepExecutionRecord struct {
	StepName      string `json:"step_name"`
	InputSummary  string `json:"input_summary"`
	OutputSummary string `json:"output_summary,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// WorkflowState is the single mutable record threaded through every step of
// one run. It is owned exclusively by the engine for the duration of the run
// and is never shared across concurrent runs.
type WorkflowState struct {
	RunID               string
	Query               string // current, possibly rewritten
	OriginalQuery       string
	ConversationID      string
	ConversationContext string

	CurrentStep string
	Status      Status
	RetryCount  int
	MaxRetries  int

	Classification    Classification
	ContextSufficient bool   // question answerable from conversation context alone
	EntityID          string // set when the query names a specific section/entity
	EntityKind        string // section, table, or chapter when EntityID is set

	Plan       []SubQueryTask
	SubAnswers []SubQueryResult

	FinalAnswer     string
	AnswerSources   []string
	ConfidenceScore float64
	FromCache       bool

	ErrorInfo    *ErrorRecord
	ExecutionLog []StepExecutionRecord
}

// NewState builds the initial state for one run.
func NewState(runID, query, conversationID, conversationContext string, maxRetries int) *WorkflowState {
	return &WorkflowState{
		RunID:               runID,
		Query:               query,
		OriginalQuery:       query,
		ConversationID:      conversationID,
		ConversationContext: conversationContext,
		Status:              StatusRunning,
		MaxRetries:          maxRetries,
	}
}

// Terminal reports whether the run has reached a terminal status.
func (s *WorkflowState) Terminal() bool {
	return s.Status != StatusRunning
}
