package engine

import (
	"errors"
	"fmt"
)

// ErrorKind labels a failure for recovery classification.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindBackend             ErrorKind = "backend"
	KindInsufficientContext ErrorKind = "insufficient_context"
	KindConfiguration       ErrorKind = "configuration"
	KindUnknown             ErrorKind = "unknown"
)

// ValidationError reports a missing or malformed required input to a step.
// It is fatal to the step and always routed through recovery.
type ValidationError struct {
	Step   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed in %s: missing_data: %s %s", e.Step, e.Field, e.Reason)
}

// BackendError wraps a failed call to an external capability (LLM, retrieval
// backend, cache store).
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// InsufficientContextError is a policy signal: the retrieved context did not
// meet the sufficiency heuristic. It drives the fallback chain inside the
// research coordinator and is never surfaced to the user.
type InsufficientContextError struct {
	Strategy string
}

func (e *InsufficientContextError) Error() string {
	return fmt.Sprintf("insufficient context from %s retrieval", e.Strategy)
}

// ConfigurationError is non-recoverable by definition: authentication,
// permission, or missing required configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid_config: " + e.Reason
}

// KindOf maps an error to its taxonomy kind.
func KindOf(err error) ErrorKind {
	var ve *ValidationError
	var be *BackendError
	var ie *InsufficientContextError
	var ce *ConfigurationError
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.As(err, &ie):
		return KindInsufficientContext
	case errors.As(err, &be):
		return KindBackend
	default:
		return KindUnknown
	}
}
