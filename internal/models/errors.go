package models

import (
	"errors"
	"fmt"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrViolationNotFound = errors.New("violation not found")
	ErrRunNotFound       = errors.New("surveillance run not found")
	ErrAlertNotFound     = errors.New("alert not found")

	// ErrNotRuleOwner is returned when an actor other than the rule's
	// creator attempts to mutate or delete it.
	ErrNotRuleOwner = errors.New("rule can only be modified by its creator")
)

// ValidationError reports a rejected input field. Nothing is persisted
// when one of these is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError reports an illegal lifecycle transition, e.g.
// acknowledging a violation that is already resolved.
type InvalidStateError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

// EvaluationError wraps a failure inside a single rule evaluation or
// pattern detector. These are contained by the sweep loops and never
// abort the batch; they are aggregated for observability.
type EvaluationError struct {
	Unit string // rule or detector id
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %v", e.Unit, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
