package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is the error detail recorded when a run is cancelled on
// operator request or shutdown. Cancellation consumes an attempt.
var ErrCancelled = errors.New("cancelled")

// TransientError marks a failure worth retrying with backoff: network
// faults, timeouts, resource contention in an external system.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// FatalError marks a failure that retrying cannot fix: malformed input,
// unrecoverable validation failure. The partition blocks immediately.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps an error as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Err: err}
}

// IsFatal reports whether the error chain contains a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError

	return errors.As(err, &fatal)
}

// IsCancelled reports whether the error chain ends in a cancellation,
// either the explicit sentinel or a context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
