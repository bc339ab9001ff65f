package clean

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
)

var testPartition = models.NewPartition(time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC))

func newCleaner(t *testing.T) (*Cleaner, string, string) {
	t.Helper()

	bronzeDir := t.TempDir()
	silverDir := t.TempDir()

	factory := &Factory{}
	exec, err := factory.Create(map[string]any{
		"bronze_dir": bronzeDir,
		"silver_dir": silverDir,
	})
	require.NoError(t, err)

	cleaner, ok := exec.(*Cleaner)
	require.True(t, ok)

	cleaner.now = func() time.Time {
		return time.Date(2025, 1, 1, 15, 5, 0, 0, time.UTC)
	}

	return cleaner, bronzeDir, silverDir
}

func writeBronze(t *testing.T, dir string, batch *models.LoadBatch) {
	t.Helper()

	data, err := json.Marshal(batch)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, testPartition.String()+".json"), data, 0o600))
}

func run(cleaner *Cleaner) (executor.Outcome, error) {
	return cleaner.Run(context.Background(), executor.RunContext{
		RunID:     "test-run",
		Partition: testPartition,
		Logger:    slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
}

func at(minute int) time.Time {
	return time.Date(2025, 1, 1, 14, minute, 0, 0, time.UTC)
}

func TestCleaner_DedupesAndNormalizes(t *testing.T) {
	t.Parallel()

	cleaner, bronzeDir, silverDir := newCleaner(t)
	writeBronze(t, bronzeDir, &models.LoadBatch{
		BatchID:   "batch-1",
		Partition: testPartition,
		Records: []models.LoadRecord{
			{Timestamp: at(30), LoadMW: 46000, Region: "fr"},
			{Timestamp: at(0), LoadMW: 45000, Region: " de "},
			{Timestamp: at(0), LoadMW: 45111, Region: "DE"}, // duplicate of the normalized " de "
			{Timestamp: at(0), LoadMW: 44000, Region: "FR"},
		},
	})

	outcome, err := run(cleaner)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Contains(t, outcome.Detail, "3 records")
	assert.Contains(t, outcome.Detail, "1 duplicates")

	data, err := os.ReadFile(filepath.Join(silverDir, testPartition.String()+".json"))
	require.NoError(t, err)

	var silver models.LoadBatch

	require.NoError(t, json.Unmarshal(data, &silver))
	require.Len(t, silver.Records, 3)
	require.NotNil(t, silver.ProcessedAt)

	// Ordered by timestamp then region, regions normalized, first
	// occurrence of a duplicate wins.
	assert.Equal(t, "DE", silver.Records[0].Region)
	assert.Equal(t, 45000.0, silver.Records[0].LoadMW)
	assert.Equal(t, "FR", silver.Records[1].Region)
	assert.Equal(t, "FR", silver.Records[2].Region)
	assert.True(t, silver.Records[2].Timestamp.After(silver.Records[1].Timestamp))
}

func TestCleaner_WritesManifestWithStatistics(t *testing.T) {
	t.Parallel()

	cleaner, bronzeDir, silverDir := newCleaner(t)
	writeBronze(t, bronzeDir, &models.LoadBatch{
		BatchID:   "batch-2",
		Partition: testPartition,
		Records: []models.LoadRecord{
			{Timestamp: at(0), LoadMW: 40000, Region: "DE"},
			{Timestamp: at(15), LoadMW: 50000, Region: "DE"},
			{Timestamp: at(30), LoadMW: 45000, Region: "DE"},
		},
	})

	_, err := run(cleaner)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(silverDir, testPartition.String()+".manifest.json"))
	require.NoError(t, err)

	var manifest Manifest

	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, "batch-2", manifest.BatchID)
	assert.Equal(t, 3, manifest.SourceRecords)
	assert.Equal(t, 3, manifest.Records)
	assert.Equal(t, 0, manifest.Duplicates)
	assert.Equal(t, 3, manifest.Statistics.Count)
	assert.InDelta(t, 45000.0, manifest.Statistics.AvgLoad, 0.001)
	assert.Equal(t, 40000.0, manifest.Statistics.MinLoad)
	assert.Equal(t, 50000.0, manifest.Statistics.MaxLoad)
	assert.True(t, manifest.ProcessedAt.Equal(cleaner.now()))
}

func TestCleaner_SkipsMissingBronzeBatch(t *testing.T) {
	t.Parallel()

	cleaner, _, _ := newCleaner(t)

	outcome, err := run(cleaner)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
}

func TestCleaner_UnparseableBronzeBatchIsFatal(t *testing.T) {
	t.Parallel()

	cleaner, bronzeDir, silverDir := newCleaner(t)
	path := filepath.Join(bronzeDir, testPartition.String()+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := run(cleaner)
	require.Error(t, err)
	assert.True(t, executor.IsFatal(err), "a corrupt batch never parses on retry")

	_, err = os.Stat(filepath.Join(silverDir, testPartition.String()+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestFactory_RequiresDirectories(t *testing.T) {
	t.Parallel()

	factory := &Factory{}

	_, err := factory.Create(map[string]any{"silver_dir": "/tmp/silver"})
	assert.Error(t, err)

	_, err = factory.Create(map[string]any{"bronze_dir": "/tmp/bronze"})
	assert.Error(t, err)
}
