package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// StartAttempt creates a running run for the key inside one transaction,
// serializing writers of the same key with a row lock.
func (r *RunRepository) StartAttempt(ctx context.Context, taskName string, partition models.Partition) (*models.Run, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	// Ensure the state row exists, then lock it.
	_, err = transaction.ExecContext(ctx, `
		INSERT INTO task_states (task_name, partition_key)
		VALUES ($1, $2)
		ON CONFLICT (task_name, partition_key) DO NOTHING
	`, taskName, partition.Time())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure task state row: %w", err)
	}

	var status string

	err = transaction.QueryRowContext(ctx, `
		SELECT status FROM task_states
		WHERE task_name = $1 AND partition_key = $2
		FOR UPDATE
	`, taskName, partition.Time()).Scan(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to lock task state row: %w", err)
	}

	current := models.RunStatus(status)
	if current == models.RunStatusRunning {
		return nil, store.NewRunError("RecordAttemptStart", taskName, partition, store.ErrConcurrencyViolation)
	}

	if current.Terminal() {
		return nil, store.NewRunError("RecordAttemptStart", taskName, partition, store.ErrRunFinal)
	}

	var attempt int

	err = transaction.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0) + 1 FROM runs
		WHERE task_name = $1 AND partition_key = $2
	`, taskName, partition.Time()).Scan(&attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Partition: partition,
		Attempt:   attempt,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err = transaction.ExecContext(ctx, `
		INSERT INTO runs (id, task_name, partition_key, attempt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.TaskName, run.Partition.Time(), run.Attempt, string(run.Status), run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = transaction.ExecContext(ctx, `
		UPDATE task_states SET status = $3, updated_at = NOW()
		WHERE task_name = $1 AND partition_key = $2
	`, taskName, partition.Time(), string(models.RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to update task state: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit attempt start: %w", err)
	}

	return run, nil
}

// FinishAttempt records the outcome of a running run and moves its key
// to the outcome status.
func (r *RunRepository) FinishAttempt(ctx context.Context, runID string, status models.RunStatus, errorDetail string) error {
	switch status {
	case models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusSkipped, models.RunStatusBlocked:
	default:
		return fmt.Errorf("%w: %s", store.ErrInvalidOutcome, status)
	}

	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	var (
		taskName  string
		partition time.Time
	)

	err = transaction.QueryRowContext(ctx, `
		UPDATE runs
		SET status = $2, error_detail = $3, finished_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING task_name, partition_key
	`, runID, string(status), errorDetail).Scan(&taskName, &partition)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	_, err = transaction.ExecContext(ctx, `
		UPDATE task_states SET status = $3, updated_at = NOW()
		WHERE task_name = $1 AND partition_key = $2
	`, taskName, partition, string(status))
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit attempt outcome: %w", err)
	}

	return nil
}

// GetStatus returns the aggregate state of a key, pending when unknown.
func (r *RunRepository) GetStatus(ctx context.Context, taskName string, partition models.Partition) (*models.TaskState, error) {
	state := &models.TaskState{
		TaskName:  taskName,
		Partition: partition,
		Status:    models.RunStatusPending,
	}

	var status string

	err := r.db.QueryRowContext(ctx, `
		SELECT status FROM task_states
		WHERE task_name = $1 AND partition_key = $2
	`, taskName, partition.Time()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query task state: %w", err)
	}

	state.Status = models.RunStatus(status)

	state.Attempts, err = r.attempts(ctx, taskName, partition)
	if err != nil {
		return nil, err
	}

	return state, nil
}

// attempts loads the run history of a key in attempt order.
func (r *RunRepository) attempts(ctx context.Context, taskName string, partition models.Partition) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_name, partition_key, attempt, status, error_detail, started_at, finished_at
		FROM runs
		WHERE task_name = $1 AND partition_key = $2
		ORDER BY attempt ASC
	`, taskName, partition.Time())
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRun(rows *sql.Rows) (*models.Run, error) {
	var (
		run        models.Run
		status     string
		partition  time.Time
		finishedAt sql.NullTime
	)

	err := rows.Scan(&run.ID, &run.TaskName, &partition, &run.Attempt, &status, &run.ErrorDetail, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Partition = models.NewPartition(partition)
	run.Status = models.RunStatus(status)

	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}

	return &run, nil
}

// ListBlocked returns every blocked key ordered by task then partition.
func (r *RunRepository) ListBlocked(ctx context.Context) ([]*models.TaskState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_name, partition_key FROM task_states
		WHERE status = 'blocked'
		ORDER BY task_name ASC, partition_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked states: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	keys := make([]*models.TaskState, 0)

	for rows.Next() {
		var (
			taskName  string
			partition time.Time
		)

		err = rows.Scan(&taskName, &partition)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blocked state: %w", err)
		}

		keys = append(keys, &models.TaskState{
			TaskName:  taskName,
			Partition: models.NewPartition(partition),
			Status:    models.RunStatusBlocked,
		})
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating blocked states: %w", err)
	}

	for _, state := range keys {
		state.Attempts, err = r.attempts(ctx, state.TaskName, state.Partition)
		if err != nil {
			return nil, err
		}
	}

	return keys, nil
}

// ListIncomplete returns the unsatisfied keys of one task inside the
// range, in ascending partition order, including untouched partitions.
func (r *RunRepository) ListIncomplete(ctx context.Context, taskName string, partitions models.PartitionRange) ([]*models.TaskState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT partition_key, status FROM task_states
		WHERE task_name = $1 AND partition_key >= $2 AND partition_key <= $3
	`, taskName, partitions.Start.Time(), partitions.End.Time())
	if err != nil {
		return nil, fmt.Errorf("failed to query task states: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	known := make(map[string]models.RunStatus)

	for rows.Next() {
		var (
			partition time.Time
			status    string
		)

		err = rows.Scan(&partition, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task state: %w", err)
		}

		known[models.NewPartition(partition).String()] = models.RunStatus(status)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task states: %w", err)
	}

	incomplete := make([]*models.TaskState, 0)

	for _, partition := range partitions.Partitions() {
		status, exists := known[partition.String()]
		if !exists {
			incomplete = append(incomplete, &models.TaskState{
				TaskName:  taskName,
				Partition: partition,
				Status:    models.RunStatusPending,
			})

			continue
		}

		if status.Satisfies() {
			continue
		}

		state := &models.TaskState{TaskName: taskName, Partition: partition, Status: status}

		state.Attempts, err = r.attempts(ctx, taskName, partition)
		if err != nil {
			return nil, err
		}

		incomplete = append(incomplete, state)
	}

	return incomplete, nil
}

// ResetBlocked returns a blocked key to pending, voiding its counted
// attempts.
func (r *RunRepository) ResetBlocked(ctx context.Context, taskName string, partition models.Partition) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE task_states
		SET status = 'pending',
		    attempt_floor = (SELECT COUNT(*) FROM runs WHERE task_name = $1 AND partition_key = $2),
		    updated_at = NOW()
		WHERE task_name = $1 AND partition_key = $2 AND status = 'blocked'
	`, taskName, partition.Time())
	if err != nil {
		return fmt.Errorf("failed to reset blocked state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read reset result: %w", err)
	}

	if affected == 0 {
		return store.NewRunError("ResetBlocked", taskName, partition, store.ErrNotBlocked)
	}

	return nil
}

// CountedAttempts returns the attempts counting toward the retry limit.
func (r *RunRepository) CountedAttempts(ctx context.Context, taskName string, partition models.Partition) (int, error) {
	var counted int

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) - COALESCE(MAX(s.attempt_floor), 0)
		FROM runs t
		LEFT JOIN task_states s USING (task_name, partition_key)
		WHERE t.task_name = $1 AND t.partition_key = $2
	`, taskName, partition.Time()).Scan(&counted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	if counted < 0 {
		counted = 0
	}

	return counted, nil
}

// RecoverOrphans reconciles every running run to failed, consuming the
// attempt. Called once before scheduling resumes after a restart.
func (r *RunRepository) RecoverOrphans(ctx context.Context) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE runs
		SET status = 'failed', error_detail = 'orphaned by restart', finished_at = NOW()
		WHERE status = 'running'
		RETURNING id, task_name, partition_key, attempt, status, error_detail, started_at, finished_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	recovered := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		recovered = append(recovered, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating recovered runs: %w", err)
	}

	for _, run := range recovered {
		_, err = r.db.ExecContext(ctx, `
			UPDATE task_states SET status = 'failed', updated_at = NOW()
			WHERE task_name = $1 AND partition_key = $2 AND status = 'running'
		`, run.TaskName, run.Partition.Time())
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile task state: %w", err)
		}
	}

	return recovered, nil
}

// LoadWatermark returns the last emitted partition, zero when unset.
func (r *RunRepository) LoadWatermark(ctx context.Context) (models.Partition, error) {
	var lastEmitted time.Time

	err := r.db.QueryRowContext(ctx, `SELECT last_emitted FROM clock_watermark WHERE id = 1`).Scan(&lastEmitted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Partition{}, nil
	}

	if err != nil {
		return models.Partition{}, fmt.Errorf("failed to load watermark: %w", err)
	}

	return models.NewPartition(lastEmitted), nil
}

// SaveWatermark upserts the single watermark row.
func (r *RunRepository) SaveWatermark(ctx context.Context, partition models.Partition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clock_watermark (id, last_emitted) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_emitted = EXCLUDED.last_emitted
	`, partition.Time())
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}

	return nil
}
