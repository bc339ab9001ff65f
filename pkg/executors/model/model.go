// Package model loads silver batches into the warehouse star schema:
// fact_load rows referencing dim_region and dim_time. Loading a partition
// is a single transaction that deletes the partition's facts and reinserts
// them, so re-runs and backfills are idempotent.
package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
)

const ExecutorType = "model"

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS dim_region (
		region_id SERIAL PRIMARY KEY,
		region VARCHAR(64) NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS dim_time (
		time_id SERIAL PRIMARY KEY,
		measured_at TIMESTAMP WITH TIME ZONE NOT NULL UNIQUE,
		hour_of_day INTEGER NOT NULL,
		day_of_week INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fact_load (
		fact_id BIGSERIAL PRIMARY KEY,
		partition_key VARCHAR(16) NOT NULL,
		region_id INTEGER NOT NULL REFERENCES dim_region (region_id),
		time_id INTEGER NOT NULL REFERENCES dim_time (time_id),
		load_mw DOUBLE PRECISION NOT NULL,
		batch_id VARCHAR(64) NOT NULL,
		loaded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS fact_load_partition_idx ON fact_load (partition_key);
`

type Factory struct{}

func (f *Factory) ID() string {
	return ExecutorType
}

func (f *Factory) Create(config map[string]any) (executor.TaskExecutor, error) {
	silverDir, _ := config["silver_dir"].(string)
	if silverDir == "" {
		return nil, errors.New("model executor requires silver_dir")
	}

	databaseURL, _ := config["database_url"].(string)
	if databaseURL == "" {
		databaseURL = os.Getenv("WATTFLOW_WAREHOUSE_URL")
	}

	if databaseURL == "" {
		return nil, errors.New("model executor requires database_url or WATTFLOW_WAREHOUSE_URL")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}

	_, err = db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure warehouse schema: %w", err)
	}

	return &Loader{silverDir: silverDir, db: db}, nil
}

// Loader writes one partition's silver batch into the star schema.
type Loader struct {
	silverDir string
	db        *sql.DB
}

func (l *Loader) Run(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
	silverPath := filepath.Join(l.silverDir, runCtx.Partition.String()+".json")

	data, err := os.ReadFile(silverPath)
	if err != nil {
		if os.IsNotExist(err) {
			runCtx.Logger.InfoContext(ctx, "No silver batch for partition, skipping", "path", silverPath)

			return executor.Outcome{Skipped: true, Detail: "no silver batch for partition"}, nil
		}

		return executor.Outcome{}, executor.Transient(fmt.Errorf("failed to read silver batch: %w", err))
	}

	var batch models.LoadBatch

	err = json.Unmarshal(data, &batch)
	if err != nil {
		return executor.Outcome{}, executor.Fatal(fmt.Errorf("failed to parse silver batch %s: %w", silverPath, err))
	}

	err = l.loadPartition(ctx, runCtx.Partition, &batch)
	if err != nil {
		return executor.Outcome{}, executor.Transient(err)
	}

	runCtx.Logger.InfoContext(ctx, "Loaded partition into warehouse",
		"batch_id", batch.BatchID, "facts", len(batch.Records))

	return executor.Outcome{Detail: fmt.Sprintf("loaded %d facts", len(batch.Records))}, nil
}

// loadPartition replaces the partition's facts in one transaction.
// Dimensions are upserted first so concurrent partitions sharing a region
// or hour never conflict.
func (l *Loader) loadPartition(ctx context.Context, partition models.Partition, batch *models.LoadBatch) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin warehouse transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, "DELETE FROM fact_load WHERE partition_key = $1", partition.String())
	if err != nil {
		return fmt.Errorf("failed to prune partition facts: %w", err)
	}

	for _, record := range batch.Records {
		regionID, err := upsertRegion(ctx, tx, record.Region)
		if err != nil {
			return err
		}

		timeID, err := upsertTime(ctx, tx, record.Timestamp)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO fact_load (partition_key, region_id, time_id, load_mw, batch_id)
			VALUES ($1, $2, $3, $4, $5)`,
			partition.String(), regionID, timeID, record.LoadMW, batch.BatchID)
		if err != nil {
			return fmt.Errorf("failed to insert fact row: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit warehouse transaction: %w", err)
	}

	return nil
}

func upsertRegion(ctx context.Context, tx *sql.Tx, region string) (int, error) {
	var id int

	err := tx.QueryRowContext(ctx, `
		INSERT INTO dim_region (region) VALUES ($1)
		ON CONFLICT (region) DO UPDATE SET region = EXCLUDED.region
		RETURNING region_id`, region).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert region dimension: %w", err)
	}

	return id, nil
}

func upsertTime(ctx context.Context, tx *sql.Tx, measuredAt time.Time) (int, error) {
	measuredAt = measuredAt.UTC()

	var id int

	err := tx.QueryRowContext(ctx, `
		INSERT INTO dim_time (measured_at, hour_of_day, day_of_week) VALUES ($1, $2, $3)
		ON CONFLICT (measured_at) DO UPDATE SET measured_at = EXCLUDED.measured_at
		RETURNING time_id`,
		measuredAt, measuredAt.Hour(), int(measuredAt.Weekday())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert time dimension: %w", err)
	}

	return id, nil
}

// Close releases the warehouse connection pool.
func (l *Loader) Close() error {
	return l.db.Close()
}
