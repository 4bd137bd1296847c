package engine

import (
	"errors"
	"fmt"
)

// ErrRaceLost is internal to the claim loop: another worker won the
// optimistic claim. Never surfaced to callers; the loop advances to the
// next candidate.
var ErrRaceLost = errors.New("task claim race lost")

// TransientError wraps a retryable submission failure (network, timeout,
// platform hiccup). Retried up to the attempt ceiling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient submission failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PlatformIncompatibleError marks a submission that can never succeed
// automatically (CAPTCHA, manual-only platform). Escalates straight to
// manual review without consuming retries.
type PlatformIncompatibleError struct {
	Reason string
}

func (e *PlatformIncompatibleError) Error() string {
	return fmt.Sprintf("platform incompatible: %s", e.Reason)
}

// ValidationError rejects malformed input at creation time, before a task
// can enter the queue
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a task-store write failure. Fatal for the
// invocation: it risks a stuck processing row, so callers alert on it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPlatformIncompatible reports whether err requires manual review
func IsPlatformIncompatible(err error) bool {
	var pe *PlatformIncompatibleError
	return errors.As(err, &pe)
}
