// Package collab defines the shared error taxonomy for collaborator calls.
// Transient errors (timeouts, rate limits, flaky network) are retried by the
// engine; permanent errors (auth, not-found, validation) fail a stage
// immediately.
package collab

import (
	"errors"
	"fmt"
)

// Error wraps a collaborator failure with its retry classification.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Transient: true, Err: err}
}

// Permanent marks err as non-retryable.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as permanent so that programming mistakes fail fast instead of
// burning retry attempts.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}
