// Package store provides the durable state layer for pipeline runs.
//
// The state store is the single source of truth for every (task, partition)
// key. All mutation goes through RecordAttemptStart and RecordAttemptOutcome,
// which are linearizable per key so that at most one run is ever `running`
// for a given (task, partition).
package store

import (
	"context"

	"github.com/wattflow/wattflow/pkg/models"
)

// StateStore is the durable, crash-recoverable record of every
// (task, partition) execution attempt and its outcome.
type StateStore interface {
	// RecordAttemptStart creates a new running run for the key and
	// returns it with its attempt number assigned. It fails with
	// ErrConcurrencyViolation when a run is already running for the key
	// and with ErrRunFinal when the key has reached a terminal status.
	RecordAttemptStart(ctx context.Context, taskName string, partition models.Partition) (*models.Run, error)

	// RecordAttemptOutcome finishes the run identified by runID with a
	// terminal-or-retryable status (succeeded, failed, skipped, blocked)
	// and an optional error detail.
	RecordAttemptOutcome(ctx context.Context, runID string, status models.RunStatus, errorDetail string) error

	// GetStatus returns the aggregate state of a key, including its full
	// attempt history. Keys never attempted report pending with no
	// attempts.
	GetStatus(ctx context.Context, taskName string, partition models.Partition) (*models.TaskState, error)

	// ListBlocked returns every key currently blocked, for operator
	// surfacing.
	ListBlocked(ctx context.Context) ([]*models.TaskState, error)

	// ListIncomplete returns the keys of one task inside the range whose
	// status does not satisfy dependents yet, in ascending partition
	// order. Used by backfill and status reporting.
	ListIncomplete(ctx context.Context, taskName string, partitions models.PartitionRange) ([]*models.TaskState, error)

	// ResetBlocked returns a blocked key to pending and resets its
	// attempt counting, on operator request. Fails with ErrNotBlocked
	// when the key is in any other state.
	ResetBlocked(ctx context.Context, taskName string, partition models.Partition) error

	// RecoverOrphans reconciles every run left running by a previous
	// process to failed, consuming the attempt. Called once before
	// scheduling resumes; returns the reconciled runs.
	RecoverOrphans(ctx context.Context) ([]*models.Run, error)

	// CountedAttempts returns how many attempts count toward the retry
	// limit for a key. Operator resets via ResetBlocked zero the count
	// while the full history stays on record.
	CountedAttempts(ctx context.Context, taskName string, partition models.Partition) (int, error)

	// LoadWatermark returns the last partition emitted by the clock, or
	// a zero partition when none was saved yet.
	LoadWatermark(ctx context.Context) (models.Partition, error)

	// SaveWatermark durably records the last emitted partition.
	SaveWatermark(ctx context.Context, partition models.Partition) error

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
