// Package executor defines the uniform contract every pipeline stage
// implements. The orchestrator holds only this interface, never concrete
// executor types; stages are opaque beyond run(partition) → outcome.
package executor

import (
	"context"
	"log/slog"

	"github.com/wattflow/wattflow/pkg/models"
)

// RunContext carries everything a stage may use for one execution.
type RunContext struct {
	// RunID identifies the attempt in the state store.
	RunID string

	// Partition is the logical-time key being processed. Executors must
	// be idempotent per partition: overwriting a partition's output with
	// the same inputs must not corrupt downstream state.
	Partition models.Partition

	// PriorSucceeded lists earlier partitions of the same task that have
	// already succeeded, for stages that need continuity context.
	PriorSucceeded []models.Partition

	// Config is the task's opaque configuration from the pipeline
	// definition.
	Config map[string]any

	Logger *slog.Logger
}

// Outcome is the structured result of one execution.
type Outcome struct {
	// Skipped marks the partition as intentionally not processed (e.g.
	// an empty source window). Skipped satisfies dependents.
	Skipped bool

	// Detail is a human-readable summary surfaced in status output.
	Detail string
}

// TaskExecutor is implemented by each stage (ingest, clean, model, ...).
//
// Errors must be classified by the executor: return a TransientError for
// conditions worth retrying, a FatalError for conditions that block the
// partition immediately. Unclassified errors are treated as transient.
type TaskExecutor interface {
	Run(ctx context.Context, runCtx RunContext) (Outcome, error)
}

// Factory builds an executor from its task configuration.
type Factory interface {
	Create(config map[string]any) (TaskExecutor, error)
	ID() string
}
