package models

import (
	"errors"
	"fmt"
)

var (
	// ErrReviewTimeout is returned when an external review does not finish in time.
	ErrReviewTimeout = errors.New("review timed out")
	// ErrCheckpointNotFound is returned when a checkpoint lookup misses.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRecoveryExhausted is returned when a failure lineage used up its attempts.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal is returned when mutating a CONVERGED or ABORTED session.
	ErrSessionTerminal = errors.New("session is in a terminal state")
	// ErrDivergent marks an iteration whose artifact drifted away from the session.
	ErrDivergent = errors.New("artifact diverged from session")
	// ErrStructural marks a failure in the shape of the task itself.
	ErrStructural = errors.New("structural failure")
)

// ValidationError reports a malformed request, candidate or reference.
// Validation failures are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
