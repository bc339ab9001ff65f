package ingest

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

func newIngester(t *testing.T) (*Ingester, string, string) {
	t.Helper()

	sourceDir := t.TempDir()
	bronzeDir := t.TempDir()

	factory := &Factory{}
	exec, err := factory.Create(map[string]any{
		"source_dir": sourceDir,
		"bronze_dir": bronzeDir,
	})
	require.NoError(t, err)

	ingester, ok := exec.(*Ingester)
	require.True(t, ok)

	// Pin ingestion time so the future-timestamp rule is deterministic.
	ingester.now = func() time.Time {
		return time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC)
	}

	return ingester, sourceDir, bronzeDir
}

func writeSource(t *testing.T, dir, content string) {
	t.Helper()

	path := filepath.Join(dir, testPartition.String()+".csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func run(ingester *Ingester) (executor.Outcome, error) {
	return ingester.Run(context.Background(), executor.RunContext{
		RunID:     "test-run",
		Partition: testPartition,
		Logger:    slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
}

func TestIngester_LandsValidatedBatch(t *testing.T) {
	t.Parallel()

	ingester, sourceDir, bronzeDir := newIngester(t)
	writeSource(t, sourceDir, `timestamp,load_mw,region
2025-01-01T14:00:00Z,45000.5,DE
2025-01-01T14:15:00Z,44810.0,FR
2025-01-01T14:30:00Z,45120.25,DE
`)

	outcome, err := run(ingester)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Contains(t, outcome.Detail, "3 records")

	data, err := os.ReadFile(filepath.Join(bronzeDir, testPartition.String()+".json"))
	require.NoError(t, err)

	var batch models.LoadBatch

	require.NoError(t, json.Unmarshal(data, &batch))
	assert.NotEmpty(t, batch.BatchID)
	assert.True(t, batch.Partition.Equal(testPartition))
	require.Len(t, batch.Records, 3)
	assert.Equal(t, 45000.5, batch.Records[0].LoadMW)
	assert.Equal(t, "DE", batch.Records[0].Region)
}

func TestIngester_SkipsMissingOrEmptySource(t *testing.T) {
	t.Parallel()

	ingester, sourceDir, _ := newIngester(t)

	outcome, err := run(ingester)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)

	writeSource(t, sourceDir, "timestamp,load_mw,region\n")

	outcome, err = run(ingester)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, "empty source window", outcome.Detail)
}

func TestIngester_RejectsBadData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		detail  string
	}{
		{
			name:    "missing required column",
			content: "timestamp,megawatts\n2025-01-01T14:00:00Z,45000\n",
			detail:  "load_mw",
		},
		{
			name: "non-positive load",
			content: `timestamp,load_mw,region
2025-01-01T14:00:00Z,-100,DE
`,
			detail: "invalid record at line 2",
		},
		{
			name: "future timestamp",
			content: `timestamp,load_mw,region
2025-01-01T14:00:00Z,45000,DE
2025-06-01T14:30:00Z,44000,DE
`,
			detail: "line 3",
		},
		{
			name: "unparseable timestamp",
			content: `timestamp,load_mw,region
yesterday-ish,45000,DE
`,
			detail: "timestamp",
		},
		{
			name: "record outside partition window",
			content: `timestamp,load_mw,region
2025-01-01T13:59:00Z,45000,DE
`,
			detail: "outside partition window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ingester, sourceDir, bronzeDir := newIngester(t)
			writeSource(t, sourceDir, tt.content)

			_, err := run(ingester)
			require.Error(t, err)
			assert.True(t, executor.IsFatal(err), "data errors must block, not retry")
			assert.Contains(t, err.Error(), tt.detail)

			// A failed partition must not land a partial batch.
			_, statErr := os.Stat(filepath.Join(bronzeDir, testPartition.String()+".json"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestFactory_RequiresDirectories(t *testing.T) {
	t.Parallel()

	factory := &Factory{}

	_, err := factory.Create(map[string]any{"bronze_dir": "/tmp/bronze"})
	assert.Error(t, err)

	_, err = factory.Create(map[string]any{"source_dir": "/tmp/raw"})
	assert.Error(t, err)
}
