package dag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store/file"
)

func medallionGraph(t *testing.T) *Graph {
	t.Helper()

	g := New()
	require.NoError(t, g.AddTask("ingest", nil))
	require.NoError(t, g.AddTask("clean", []string{"ingest"}))
	require.NoError(t, g.AddTask("model", []string{"clean"}))
	require.NoError(t, g.Validate())

	return g
}

func TestGraph_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		build       func(g *Graph)
		expectedErr error
	}{
		{
			name: "linear chain is valid",
			build: func(g *Graph) {
				_ = g.AddTask("a", nil)
				_ = g.AddTask("b", []string{"a"})
				_ = g.AddTask("c", []string{"b"})
			},
		},
		{
			name: "diamond is valid",
			build: func(g *Graph) {
				_ = g.AddTask("a", nil)
				_ = g.AddTask("b", []string{"a"})
				_ = g.AddTask("c", []string{"a"})
				_ = g.AddTask("d", []string{"b", "c"})
			},
		},
		{
			name: "undeclared dependency",
			build: func(g *Graph) {
				_ = g.AddTask("a", []string{"ghost"})
			},
			expectedErr: ErrUnknownDependency,
		},
		{
			name: "self dependency",
			build: func(g *Graph) {
				_ = g.AddTask("a", []string{"a"})
			},
			expectedErr: ErrCycle,
		},
		{
			name: "three task cycle",
			build: func(g *Graph) {
				_ = g.AddTask("a", []string{"c"})
				_ = g.AddTask("b", []string{"a"})
				_ = g.AddTask("c", []string{"b"})
			},
			expectedErr: ErrCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := New()
			tt.build(g)

			err := g.Validate()
			if tt.expectedErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expectedErr)
			}
		})
	}
}

func TestGraph_CycleErrorNamesTheTrail(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddTask("a", []string{"c"}))
	require.NoError(t, g.AddTask("b", []string{"a"}))
	require.NoError(t, g.AddTask("c", []string{"b"}))

	err := g.Validate()
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
}

func TestGraph_AddTaskRejectsDuplicates(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddTask("ingest", nil))
	assert.ErrorIs(t, g.AddTask("ingest", nil), ErrDuplicateTask)
}

func TestGraph_TopologicalOrder(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddTask("model", []string{"clean", "enrich"}))
	require.NoError(t, g.AddTask("clean", []string{"ingest"}))
	require.NoError(t, g.AddTask("enrich", []string{"ingest"}))
	require.NoError(t, g.AddTask("ingest", nil))
	require.NoError(t, g.Validate())

	// Dependencies first; the clean/enrich tie breaks by declaration order.
	assert.Equal(t, []string{"ingest", "clean", "enrich", "model"}, g.TopologicalOrder())
}

func TestGraph_ReadySet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	partition := models.NewPartition(time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC))

	newStore := func(t *testing.T) *file.Store {
		t.Helper()

		s, err := file.NewStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(ctx) })

		return s
	}

	finish := func(t *testing.T, s *file.Store, task string, status models.RunStatus) {
		t.Helper()

		run, err := s.RecordAttemptStart(ctx, task, partition)
		require.NoError(t, err)
		require.NoError(t, s.RecordAttemptOutcome(ctx, run.ID, status, ""))
	}

	t.Run("only roots are ready on a fresh partition", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"ingest"}, ready)
	})

	t.Run("succeeded dependency releases dependent", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)
		finish(t, s, "ingest", models.RunStatusSucceeded)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"clean"}, ready)
	})

	t.Run("skipped dependency also releases dependent", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)
		finish(t, s, "ingest", models.RunStatusSkipped)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"clean"}, ready)
	})

	t.Run("running key is excluded", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)

		_, err := s.RecordAttemptStart(ctx, "ingest", partition)
		require.NoError(t, err)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})

	t.Run("failed key is ready again", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)
		finish(t, s, "ingest", models.RunStatusFailed)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"ingest"}, ready)
	})

	t.Run("blocked dependency excludes dependents", func(t *testing.T) {
		t.Parallel()

		g := medallionGraph(t)
		s := newStore(t)
		finish(t, s, "ingest", models.RunStatusBlocked)

		ready, err := g.ReadySet(ctx, partition, s)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})
}

func TestGraph_Settled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	partition := models.NewPartition(time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC))

	g := medallionGraph(t)

	s, err := file.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })

	settled, err := g.Settled(ctx, partition, s)
	require.NoError(t, err)
	assert.False(t, settled, "fresh partition has pending work")

	// Block the root: the whole partition settles because nothing
	// downstream can ever become ready.
	run, err := s.RecordAttemptStart(ctx, "ingest", partition)
	require.NoError(t, err)
	require.NoError(t, s.RecordAttemptOutcome(ctx, run.ID, models.RunStatusBlocked, "fatal"))

	settled, err = g.Settled(ctx, partition, s)
	require.NoError(t, err)
	assert.True(t, settled)
}
