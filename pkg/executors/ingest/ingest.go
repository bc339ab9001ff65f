// Package ingest lands raw grid-load measurements into the bronze layer.
//
// One source CSV per partition is read, validated record by record and
// written as a JSON batch. A partition either lands completely or fails:
// a single invalid record fails the whole partition so noisy source data
// never leaks downstream.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
)

const ExecutorType = "ingest"

// Source files are named by their partition key, e.g. 2025-01-01T14.csv.
const sourceExtension = ".csv"

var requiredColumns = []string{"timestamp", "load_mw", "region"}

// Accepted timestamp layouts in source files.
var timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

type Factory struct{}

func (f *Factory) ID() string {
	return ExecutorType
}

func (f *Factory) Create(config map[string]any) (executor.TaskExecutor, error) {
	sourceDir, _ := config["source_dir"].(string)
	if sourceDir == "" {
		return nil, errors.New("ingest executor requires source_dir")
	}

	bronzeDir, _ := config["bronze_dir"].(string)
	if bronzeDir == "" {
		return nil, errors.New("ingest executor requires bronze_dir")
	}

	return &Ingester{
		sourceDir: sourceDir,
		bronzeDir: bronzeDir,
		validate:  validator.New(),
		now:       time.Now,
	}, nil
}

// Ingester reads one partition's source CSV and writes the bronze batch.
type Ingester struct {
	sourceDir string
	bronzeDir string
	validate  *validator.Validate
	now       func() time.Time
}

func (i *Ingester) Run(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
	sourcePath := filepath.Join(i.sourceDir, runCtx.Partition.String()+sourceExtension)

	file, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			runCtx.Logger.InfoContext(ctx, "No source file for partition, skipping", "path", sourcePath)

			return executor.Outcome{Skipped: true, Detail: "no source file for partition"}, nil
		}

		return executor.Outcome{}, executor.Transient(fmt.Errorf("failed to open source file: %w", err))
	}
	defer file.Close()

	records, err := i.readRecords(file, runCtx.Partition)
	if err != nil {
		return executor.Outcome{}, err
	}

	if len(records) == 0 {
		runCtx.Logger.InfoContext(ctx, "Source file has no records, skipping", "path", sourcePath)

		return executor.Outcome{Skipped: true, Detail: "empty source window"}, nil
	}

	batch := models.LoadBatch{
		BatchID:   uuid.NewString(),
		Partition: runCtx.Partition,
		Records:   records,
	}

	err = writeBatch(filepath.Join(i.bronzeDir, runCtx.Partition.String()+".json"), &batch)
	if err != nil {
		return executor.Outcome{}, executor.Transient(err)
	}

	runCtx.Logger.InfoContext(ctx, "Landed bronze batch",
		"batch_id", batch.BatchID, "records", len(records))

	return executor.Outcome{Detail: fmt.Sprintf("ingested %d records", len(records))}, nil
}

// readRecords parses and validates every row. Schema and data errors are
// fatal: re-reading the same file cannot fix them.
func (i *Ingester) readRecords(r io.Reader, partition models.Partition) ([]models.LoadRecord, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		return nil, executor.Fatal(fmt.Errorf("failed to read CSV header: %w", err))
	}

	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[name] = idx
	}

	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, executor.Fatal(fmt.Errorf("source file missing required column %q", required))
		}
	}

	now := i.now().UTC()

	var records []models.LoadRecord

	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, executor.Fatal(fmt.Errorf("failed to parse CSV line %d: %w", line, err))
		}

		record, err := i.parseRow(row, columns, now)
		if err != nil {
			return nil, executor.Fatal(fmt.Errorf("invalid record at line %d: %w", line, err))
		}

		if !partition.Contains(record.Timestamp) {
			return nil, executor.Fatal(fmt.Errorf(
				"record at line %d outside partition window: %s", line, record.Timestamp.Format(time.RFC3339)))
		}

		records = append(records, record)
	}

	return records, nil
}

func (i *Ingester) parseRow(row []string, columns map[string]int, now time.Time) (models.LoadRecord, error) {
	timestamp, err := parseTimestamp(row[columns["timestamp"]])
	if err != nil {
		return models.LoadRecord{}, err
	}

	loadMW, err := strconv.ParseFloat(row[columns["load_mw"]], 64)
	if err != nil {
		return models.LoadRecord{}, fmt.Errorf("failed to parse load_mw: %w", err)
	}

	record := models.LoadRecord{
		Timestamp: timestamp,
		LoadMW:    loadMW,
		Region:    row[columns["region"]],
	}

	err = record.Validate(i.validate, now)
	if err != nil {
		return models.LoadRecord{}, err
	}

	return record, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp %q", value)
}

func writeBatch(path string, batch *models.LoadBatch) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create bronze directory: %w", err)
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bronze batch: %w", err)
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write bronze batch: %w", err)
	}

	return nil
}
