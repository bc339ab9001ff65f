// Package postgresql provides PostgreSQL state store implementation for pipeline runs.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store/sqlbase"
)

// Store implements store.StateStore on PostgreSQL.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	runRepo *RunRepository
}

// NewStore connects, migrates the schema and returns the store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:      database,
		logger:  logger,
		runRepo: NewRunRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// RecordAttemptStart creates a running run for the key.
func (s *Store) RecordAttemptStart(ctx context.Context, taskName string, partition models.Partition) (*models.Run, error) {
	return s.runRepo.StartAttempt(ctx, taskName, partition)
}

// RecordAttemptOutcome finishes the identified run.
func (s *Store) RecordAttemptOutcome(ctx context.Context, runID string, status models.RunStatus, errorDetail string) error {
	return s.runRepo.FinishAttempt(ctx, runID, status, errorDetail)
}

// GetStatus returns the aggregate state of a key.
func (s *Store) GetStatus(ctx context.Context, taskName string, partition models.Partition) (*models.TaskState, error) {
	return s.runRepo.GetStatus(ctx, taskName, partition)
}

// ListBlocked returns every blocked key.
func (s *Store) ListBlocked(ctx context.Context) ([]*models.TaskState, error) {
	return s.runRepo.ListBlocked(ctx)
}

// ListIncomplete returns unsatisfied keys of a task inside a range.
func (s *Store) ListIncomplete(ctx context.Context, taskName string, partitions models.PartitionRange) ([]*models.TaskState, error) {
	return s.runRepo.ListIncomplete(ctx, taskName, partitions)
}

// ResetBlocked returns a blocked key to pending on operator request.
func (s *Store) ResetBlocked(ctx context.Context, taskName string, partition models.Partition) error {
	return s.runRepo.ResetBlocked(ctx, taskName, partition)
}

// CountedAttempts returns the attempts counting toward the retry limit.
func (s *Store) CountedAttempts(ctx context.Context, taskName string, partition models.Partition) (int, error) {
	return s.runRepo.CountedAttempts(ctx, taskName, partition)
}

// RecoverOrphans reconciles runs left running by a crashed process.
func (s *Store) RecoverOrphans(ctx context.Context) ([]*models.Run, error) {
	return s.runRepo.RecoverOrphans(ctx)
}

// LoadWatermark returns the last partition emitted by the clock.
func (s *Store) LoadWatermark(ctx context.Context) (models.Partition, error) {
	return s.runRepo.LoadWatermark(ctx)
}

// SaveWatermark durably records the last emitted partition.
func (s *Store) SaveWatermark(ctx context.Context, partition models.Partition) error {
	return s.runRepo.SaveWatermark(ctx, partition)
}
