package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotFound indicates no flow is registered under the requested ID.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrNoFlowForTrigger indicates no flow claims the given intent.
	ErrNoFlowForTrigger = errors.New("no flow registered for trigger")

	// ErrInvalidYAML indicates a flow file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates a flow definition failed validation.
	ErrValidationFailed = errors.New("flow validation failed")
)

// ValidationError wraps flow validation errors with enough context to point
// at the offending state and field.
type ValidationError struct {
	FlowID string
	State  string // empty for flow-level errors
	Field  string // optional
	Err    error
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	switch {
	case e.State != "" && e.Field != "":
		return fmt.Sprintf("flow '%s' state '%s': field '%s': %v", e.FlowID, e.State, e.Field, e.Err)
	case e.State != "":
		return fmt.Sprintf("flow '%s' state '%s': %v", e.FlowID, e.State, e.Err)
	default:
		return fmt.Sprintf("flow '%s': %v", e.FlowID, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for one flow.
func NewValidationError(flowID, state, field string, err error) *ValidationError {
	return &ValidationError{FlowID: flowID, State: state, Field: field, Err: err}
}

// LoadError wraps flow loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }
