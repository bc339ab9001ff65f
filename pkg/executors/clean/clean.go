// Package clean refines bronze batches into the silver layer: duplicates
// on (timestamp, region) are dropped, regions are normalized and a
// manifest with batch statistics is written alongside the cleaned batch.
package clean

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
)

const ExecutorType = "clean"

type Factory struct{}

func (f *Factory) ID() string {
	return ExecutorType
}

func (f *Factory) Create(config map[string]any) (executor.TaskExecutor, error) {
	bronzeDir, _ := config["bronze_dir"].(string)
	if bronzeDir == "" {
		return nil, errors.New("clean executor requires bronze_dir")
	}

	silverDir, _ := config["silver_dir"].(string)
	if silverDir == "" {
		return nil, errors.New("clean executor requires silver_dir")
	}

	return &Cleaner{
		bronzeDir: bronzeDir,
		silverDir: silverDir,
		now:       time.Now,
	}, nil
}

// Manifest is the silver layer's per-partition summary, written next to
// the cleaned batch for operators and downstream consumers.
type Manifest struct {
	BatchID       string                 `json:"batch_id"`
	Partition     models.Partition       `json:"partition"`
	SourceRecords int                    `json:"source_records"`
	Records       int                    `json:"records"`
	Duplicates    int                    `json:"duplicates"`
	Statistics    models.BatchStatistics `json:"statistics"`
	ProcessedAt   time.Time              `json:"processed_at"`
}

// Cleaner rewrites one partition's bronze batch into the silver layer.
// Rewriting the same bronze input always yields the same silver output,
// so re-runs after partial failures are safe.
type Cleaner struct {
	bronzeDir string
	silverDir string
	now       func() time.Time
}

func (c *Cleaner) Run(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
	bronzePath := filepath.Join(c.bronzeDir, runCtx.Partition.String()+".json")

	batch, err := readBatch(bronzePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Upstream skipped the partition; nothing to clean.
			runCtx.Logger.InfoContext(ctx, "No bronze batch for partition, skipping", "path", bronzePath)

			return executor.Outcome{Skipped: true, Detail: "no bronze batch for partition"}, nil
		}

		if executor.IsFatal(err) {
			// A batch that exists but cannot be parsed stays broken no
			// matter how often it is reread.
			return executor.Outcome{}, err
		}

		return executor.Outcome{}, executor.Transient(fmt.Errorf("failed to read bronze batch: %w", err))
	}

	sourceCount := len(batch.Records)
	batch.Records = normalize(batch.Records)
	duplicates := sourceCount - len(batch.Records)
	batch.MarkProcessed(c.now())

	stats := batch.Statistics()

	err = c.writeSilver(runCtx.Partition, batch, &Manifest{
		BatchID:       batch.BatchID,
		Partition:     runCtx.Partition,
		SourceRecords: sourceCount,
		Records:       len(batch.Records),
		Duplicates:    duplicates,
		Statistics:    stats,
		ProcessedAt:   *batch.ProcessedAt,
	})
	if err != nil {
		return executor.Outcome{}, executor.Transient(err)
	}

	runCtx.Logger.InfoContext(ctx, "Wrote silver batch",
		"batch_id", batch.BatchID,
		"records", stats.Count,
		"duplicates", duplicates,
		"avg_load_mw", stats.AvgLoad,
		"min_load_mw", stats.MinLoad,
		"max_load_mw", stats.MaxLoad)

	return executor.Outcome{
		Detail: fmt.Sprintf("cleaned %d records (%d duplicates dropped), avg load %.2f MW",
			stats.Count, duplicates, stats.AvgLoad),
	}, nil
}

// normalize uppercases and trims regions, drops duplicate (timestamp,
// region) measurements keeping the first occurrence, and orders the batch
// by timestamp then region.
func normalize(records []models.LoadRecord) []models.LoadRecord {
	seen := make(map[string]bool, len(records))
	cleaned := make([]models.LoadRecord, 0, len(records))

	for _, record := range records {
		record.Region = strings.ToUpper(strings.TrimSpace(record.Region))
		record.Timestamp = record.Timestamp.UTC()

		key := record.Timestamp.Format(time.RFC3339) + "/" + record.Region
		if seen[key] {
			continue
		}

		seen[key] = true

		cleaned = append(cleaned, record)
	}

	sort.Slice(cleaned, func(i, j int) bool {
		if cleaned[i].Timestamp.Equal(cleaned[j].Timestamp) {
			return cleaned[i].Region < cleaned[j].Region
		}

		return cleaned[i].Timestamp.Before(cleaned[j].Timestamp)
	})

	return cleaned
}

func readBatch(path string) (*models.LoadBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var batch models.LoadBatch

	err = json.Unmarshal(data, &batch)
	if err != nil {
		return nil, executor.Fatal(fmt.Errorf("failed to parse bronze batch %s: %w", path, err))
	}

	return &batch, nil
}

func (c *Cleaner) writeSilver(partition models.Partition, batch *models.LoadBatch, manifest *Manifest) error {
	err := os.MkdirAll(c.silverDir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create silver directory: %w", err)
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal silver batch: %w", err)
	}

	err = os.WriteFile(filepath.Join(c.silverDir, partition.String()+".json"), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write silver batch: %w", err)
	}

	data, err = json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	err = os.WriteFile(filepath.Join(c.silverDir, partition.String()+".manifest.json"), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}
