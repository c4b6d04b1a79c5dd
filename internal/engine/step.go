package engine

import (
	"context"
)

// Delta is the partial state update produced by a successful step execution.
// The engine merges it into the run state; a step that errors produces no
// state change beyond the error record.
type Delta struct {
	Query             *string
	Classification    *Classification
	ContextSufficient *bool
	EntityID          *string
	EntityKind        *string
	Plan              []SubQueryTask
	SubAnswers        []SubQueryResult
	FinalAnswer       *string
	AnswerSources     []string
	Confidence        *float64
	FromCache         *bool
	Status            *Status
}

// Step is one pipeline stage. Validate checks required inputs before Execute
// runs; Execute must not mutate the state it receives.
type Step interface {
	Name() string
	Validate(st *WorkflowState) error
	Execute(ctx context.Context, st *WorkflowState) (*Delta, error)
}

// apply merges a delta onto the state. Only set fields are applied.
func apply(st *WorkflowState, d *Delta) {
	if d == nil {
		return
	}
	if d.Query != nil {
		st.Query = *d.Query
	}
	if d.Classification != nil {
		st.Classification = *d.Classification
	}
	if d.ContextSufficient != nil {
		st.ContextSufficient = *d.ContextSufficient
	}
	if d.EntityID != nil {
		st.EntityID = *d.EntityID
	}
	if d.EntityKind != nil {
		st.EntityKind = *d.EntityKind
	}
	if d.Plan != nil {
		st.Plan = d.Plan
	}
	if d.SubAnswers != nil {
		st.SubAnswers = d.SubAnswers
	}
	if d.FinalAnswer != nil {
		st.FinalAnswer = *d.FinalAnswer
	}
	if d.AnswerSources != nil {
		st.AnswerSources = d.AnswerSources
	}
	if d.Confidence != nil {
		st.ConfidenceScore = *d.Confidence
	}
	if d.FromCache != nil {
		st.FromCache = *d.FromCache
	}
	if d.Status != nil {
		st.Status = *d.Status
	}
}

// Helpers for building deltas without temporary variables.

func String(s string) *string                   { return &s }
func Float(f float64) *float64                  { return &f }
func Bool(b bool) *bool                         { return &b }
func StatusOf(s Status) *Status                 { return &s }
func ClassOf(c Classification) *Classification { return &c }
