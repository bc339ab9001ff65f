// Package store provides standardized error types for state store operations.
package store

import (
	"errors"
	"fmt"

	"github.com/wattflow/wattflow/pkg/models"
)

// Standard state store error types that all implementations should use.
var (
	// ErrConcurrencyViolation indicates an attempt was started for a key
	// that already has a running run. This is the mutual-exclusion
	// invariant; observing it in correct operation indicates a bug.
	ErrConcurrencyViolation = errors.New("run already in progress for task and partition")

	// ErrRunFinal indicates an attempt was started for a key that has
	// already reached a terminal status.
	ErrRunFinal = errors.New("task partition already reached a terminal status")

	// ErrRunNotFound indicates no run exists with the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrNotBlocked indicates a reset was requested for a key that is
	// not blocked.
	ErrNotBlocked = errors.New("task partition is not blocked")

	// ErrInvalidOutcome indicates an outcome status that is not a valid
	// attempt result.
	ErrInvalidOutcome = errors.New("invalid run outcome status")
)

// RunError wraps run-related errors with the key they concern.
type RunError struct {
	Op        string // Operation being performed (e.g. "RecordAttemptStart")
	TaskName  string
	Partition models.Partition
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed for task %s partition %s: %v", e.Op, e.TaskName, e.Partition, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, taskName string, partition models.Partition, err error) *RunError {
	return &RunError{
		Op:        op,
		TaskName:  taskName,
		Partition: partition,
		Err:       err,
	}
}

// IsConcurrencyViolation checks if an error indicates the mutual-exclusion
// invariant would have been breached.
func IsConcurrencyViolation(err error) bool {
	return errors.Is(err, ErrConcurrencyViolation)
}

// IsRunFinal checks if an error indicates the key already reached a
// terminal status.
func IsRunFinal(err error) bool {
	return errors.Is(err, ErrRunFinal)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsNotBlocked checks if an error indicates a reset of a key that is not
// blocked.
func IsNotBlocked(err error) bool {
	return errors.Is(err, ErrNotBlocked)
}
