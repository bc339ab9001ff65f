package models

import (
	"time"
)

// RunStatus represents the lifecycle state of one (task, partition) attempt.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"   // Eligible, not yet dispatched
	RunStatusRunning   RunStatus = "running"   // Dispatched to an executor
	RunStatusSucceeded RunStatus = "succeeded" // Terminal, never re-executed automatically
	RunStatusFailed    RunStatus = "failed"    // Retryable until the attempt limit
	RunStatusSkipped   RunStatus = "skipped"   // Terminal, satisfies dependents
	RunStatusBlocked   RunStatus = "blocked"   // Terminal, retries exhausted or fatal error
)

// Terminal reports whether the status ends the lifecycle of a
// (task, partition) key without operator intervention.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusSkipped || s == RunStatusBlocked
}

// Satisfies reports whether a dependency in this state releases its
// dependents for the same partition.
func (s RunStatus) Satisfies() bool {
	return s == RunStatusSucceeded || s == RunStatusSkipped
}

// Run is one attempt to execute a (task, partition) pair.
type Run struct {
	ID          string     `json:"id"           validate:"required"`
	TaskName    string     `json:"task_name"    validate:"required"`
	Partition   Partition  `json:"partition"`
	Attempt     int        `json:"attempt"      validate:"gte=1"`
	Status      RunStatus  `json:"status"       validate:"required"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the attempt has reached an outcome.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Duration returns the wall time of the attempt, zero while still running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}

// TaskState is the aggregate view of a (task, partition) key: its latest
// run plus the attempt history, as reported by status queries.
type TaskState struct {
	TaskName  string    `json:"task_name"`
	Partition Partition `json:"partition"`
	Status    RunStatus `json:"status"`
	Attempts  []*Run    `json:"attempts,omitempty"`
}

// LatestRun returns the most recent attempt, or nil when the key has never
// been dispatched.
func (s *TaskState) LatestRun() *Run {
	if len(s.Attempts) == 0 {
		return nil
	}

	return s.Attempts[len(s.Attempts)-1]
}

// AttemptCount returns how many attempts have been consumed.
func (s *TaskState) AttemptCount() int {
	return len(s.Attempts)
}

// AggregateStatus folds the states of a partition range into one status
// for operator reporting: blocked outranks in-progress, which outranks
// done. An empty range counts as done.
func AggregateStatus(states []*TaskState) RunStatus {
	aggregate := RunStatusSucceeded

	for _, state := range states {
		if state.Status == RunStatusBlocked {
			return RunStatusBlocked
		}

		if !state.Status.Satisfies() {
			aggregate = RunStatusPending
		}
	}

	return aggregate
}
