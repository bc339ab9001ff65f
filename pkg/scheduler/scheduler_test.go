package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattflow/wattflow/pkg/clock"
	"github.com/wattflow/wattflow/pkg/dag"
	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store/file"
)

type runFunc func(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error)

type stubExecutor struct {
	fn runFunc
}

func (s *stubExecutor) Run(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
	return s.fn(ctx, runCtx)
}

type stubFactory struct {
	id string
	fn runFunc
}

func (f *stubFactory) Create(_ map[string]any) (executor.TaskExecutor, error) {
	return &stubExecutor{fn: f.fn}, nil
}

func (f *stubFactory) ID() string {
	return f.id
}

// recorder tracks dispatch order across stub executors.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(task string, partition models.Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, task+"/"+partition.String())
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func testPipeline(tasks ...models.TaskSpec) *models.Pipeline {
	return &models.Pipeline{
		Name:        "grid-load",
		Schedule:    "0 * * * *",
		LookBack:    6,
		MaxParallel: 4,
		Tasks:       tasks,
	}
}

func testTask(name string, dependsOn []string, maxAttempts int) models.TaskSpec {
	return models.TaskSpec{
		Name:      name,
		Executor:  name,
		DependsOn: dependsOn,
		Retry: models.RetryPolicy{
			MaxAttempts: maxAttempts,
			BackoffMin:  time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
		},
	}
}

func newTestScheduler(t *testing.T, pipeline *models.Pipeline, fns map[string]runFunc) (*Scheduler, *file.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	stateStore, err := file.NewStore(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = stateStore.Close(context.Background()) })

	graph, err := dag.FromPipeline(pipeline)
	require.NoError(t, err)
	require.NoError(t, graph.Validate())

	registry := executor.NewRegistry(logger)
	for name, fn := range fns {
		registry.Register(&stubFactory{id: name, fn: fn})
	}

	partitionClock, err := clock.New(pipeline.Schedule, pipeline.LookBack, stateStore, logger)
	require.NoError(t, err)

	sched, err := New(Config{
		Pipeline: pipeline,
		Graph:    graph,
		Store:    stateStore,
		Clock:    partitionClock,
		Registry: registry,
		Logger:   logger,
	})
	require.NoError(t, err)

	// Freeze the clock so exactly one partition (hour 14) is due.
	partitionClock.SetNow(func() time.Time {
		return time.Date(2025, 1, 1, 15, 30, 0, 0, time.UTC)
	})

	ctx := context.Background()
	require.NoError(t, stateStore.SaveWatermark(ctx, hourPartition(13)))

	// Partitions behind the watermark completed in an earlier "session";
	// otherwise the rescan would rightly re-dispatch them as unfinished.
	for _, task := range pipeline.Tasks {
		for hour := 8; hour <= 13; hour++ {
			run, err := stateStore.RecordAttemptStart(ctx, task.Name, hourPartition(hour))
			require.NoError(t, err)
			require.NoError(t, stateStore.RecordAttemptOutcome(ctx, run.ID, models.RunStatusSucceeded, ""))
		}
	}

	return sched, stateStore
}

func hourPartition(hour int) models.Partition {
	return models.NewPartition(time.Date(2025, 1, 1, hour, 0, 0, 0, time.UTC))
}

// settle ticks until every in-flight execution drains and no further
// dispatch happens, waiting out the (millisecond-scale) retry delays.
func settle(t *testing.T, sched *Scheduler, ticks int) {
	t.Helper()

	ctx := context.Background()

	for range ticks {
		require.NoError(t, sched.Tick(ctx))
		require.Eventually(t, func() bool {
			return sched.InFlight() == 0
		}, 5*time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_RunsTasksInDependencyOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	succeed := func(_ context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
		return executor.Outcome{}, nil
	}
	recording := func(name string) runFunc {
		return func(ctx context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
			rec.add(name, runCtx.Partition)

			return succeed(ctx, runCtx)
		}
	}

	pipeline := testPipeline(
		testTask("ingest", nil, 3),
		testTask("clean", []string{"ingest"}, 3),
		testTask("model", []string{"clean"}, 3),
	)

	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": recording("ingest"),
		"clean":  recording("clean"),
		"model":  recording("model"),
	})

	settle(t, sched, 4)

	partition := hourPartition(14)
	expected := []string{
		"ingest/" + partition.String(),
		"clean/" + partition.String(),
		"model/" + partition.String(),
	}
	assert.Equal(t, expected, rec.snapshot())

	for _, task := range []string{"ingest", "clean", "model"} {
		state, err := stateStore.GetStatus(context.Background(), task, partition)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSucceeded, state.Status, task)
	}
}

func TestScheduler_NeverDispatchesRunningKeyTwice(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var calls int

	var mu sync.Mutex

	pipeline := testPipeline(testTask("ingest", nil, 3))
	sched, _ := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(ctx context.Context, _ executor.RunContext) (executor.Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			close(started)
			<-release

			return executor.Outcome{}, nil
		},
	})

	ctx := context.Background()
	require.NoError(t, sched.Tick(ctx))
	<-started

	// The key is running: further ticks must not start a second attempt.
	require.NoError(t, sched.Tick(ctx))
	require.NoError(t, sched.Tick(ctx))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	close(release)
	require.Eventually(t, func() bool { return sched.InFlight() == 0 }, 5*time.Second, time.Millisecond)
}

func TestScheduler_FatalErrorBlocksAfterSingleAttempt(t *testing.T) {
	t.Parallel()

	var calls int

	var mu sync.Mutex

	pipeline := testPipeline(testTask("ingest", nil, 3))
	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()

			return executor.Outcome{}, executor.Fatal(errors.New("schema drift in source file"))
		},
	})

	settle(t, sched, 3)

	mu.Lock()
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
	mu.Unlock()

	state, err := stateStore.GetStatus(context.Background(), "ingest", hourPartition(14))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, state.Status)
	assert.Contains(t, state.LatestRun().ErrorDetail, "schema drift")
}

func TestScheduler_TransientErrorRetriedToLimit(t *testing.T) {
	t.Parallel()

	var calls int

	var mu sync.Mutex

	pipeline := testPipeline(testTask("ingest", nil, 3))
	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()

			return executor.Outcome{}, executor.Transient(errors.New("upstream API 503"))
		},
	})

	settle(t, sched, 6)

	mu.Lock()
	assert.Equal(t, 3, calls, "transient errors retry up to the attempt limit")
	mu.Unlock()

	ctx := context.Background()

	state, err := stateStore.GetStatus(ctx, "ingest", hourPartition(14))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, state.Status)

	counted, err := stateStore.CountedAttempts(ctx, "ingest", hourPartition(14))
	require.NoError(t, err)
	assert.Equal(t, 3, counted)
}

func TestScheduler_BlockedPartitionDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	badPartition := hourPartition(14)

	pipeline := testPipeline(
		testTask("ingest", nil, 1),
		testTask("clean", []string{"ingest"}, 1),
	)

	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
			if runCtx.Partition.Equal(badPartition) {
				return executor.Outcome{}, executor.Fatal(errors.New("corrupt source window"))
			}

			return executor.Outcome{}, nil
		},
		"clean": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			return executor.Outcome{}, nil
		},
	})

	// A healthy historical partition runs alongside the poisoned 14.
	healthy := hourPartition(5)
	count := sched.Backfill(context.Background(), mustRange(t, healthy, healthy))
	require.Equal(t, 1, count)

	settle(t, sched, 4)

	ctx := context.Background()

	state, err := stateStore.GetStatus(ctx, "ingest", badPartition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, state.Status)

	// Downstream of the blocked key stays pending, never dispatched.
	state, err = stateStore.GetStatus(ctx, "clean", badPartition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, state.Status)
	assert.Empty(t, state.Attempts)

	// The healthy partition completes end to end.
	for _, task := range []string{"ingest", "clean"} {
		state, err = stateStore.GetStatus(ctx, task, healthy)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSucceeded, state.Status, task)
	}
}

func TestScheduler_SkippedOutcomeSatisfiesDependents(t *testing.T) {
	t.Parallel()

	var cleanRan bool

	var mu sync.Mutex

	pipeline := testPipeline(
		testTask("ingest", nil, 3),
		testTask("clean", []string{"ingest"}, 3),
	)

	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			return executor.Outcome{Skipped: true, Detail: "empty source window"}, nil
		},
		"clean": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			mu.Lock()
			cleanRan = true
			mu.Unlock()

			return executor.Outcome{}, nil
		},
	})

	settle(t, sched, 3)

	mu.Lock()
	assert.True(t, cleanRan, "skipped upstream must release dependents")
	mu.Unlock()

	state, err := stateStore.GetStatus(context.Background(), "ingest", hourPartition(14))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSkipped, state.Status)
}

func TestScheduler_RecoverReconcilesOrphanedRuns(t *testing.T) {
	t.Parallel()

	pipeline := testPipeline(testTask("ingest", nil, 3))
	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			return executor.Outcome{}, nil
		},
	})

	ctx := context.Background()
	partition := hourPartition(14)

	// Simulate a run left behind by a crashed controller.
	_, err := stateStore.RecordAttemptStart(ctx, "ingest", partition)
	require.NoError(t, err)

	require.NoError(t, sched.Recover(ctx))

	state, err := stateStore.GetStatus(ctx, "ingest", partition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, 1, state.AttemptCount())

	// The reconciled key retries on the normal path.
	settle(t, sched, 3)

	state, err = stateStore.GetStatus(ctx, "ingest", partition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, state.Status)
	assert.Equal(t, 2, state.AttemptCount())
}

func TestScheduler_BackfillRunsHistoricalRange(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	pipeline := testPipeline(testTask("ingest", nil, 3))
	// Serialize executions so the recorded order is the dispatch order.
	pipeline.MaxParallel = 1

	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, runCtx executor.RunContext) (executor.Outcome, error) {
			rec.add("ingest", runCtx.Partition)

			return executor.Outcome{}, nil
		},
	})

	ctx := context.Background()

	count := sched.Backfill(ctx, mustRange(t, hourPartition(2), hourPartition(4)))
	assert.Equal(t, 3, count)

	settle(t, sched, 6)

	// Backfilled keys run in ascending partition order, then the newly due
	// partition 14 from the live clock.
	assert.Equal(t, []string{
		"ingest/" + hourPartition(2).String(),
		"ingest/" + hourPartition(3).String(),
		"ingest/" + hourPartition(4).String(),
		"ingest/" + hourPartition(14).String(),
	}, rec.snapshot())

	// Re-backfilling succeeded partitions must not re-execute them.
	count = sched.Backfill(ctx, mustRange(t, hourPartition(2), hourPartition(4)))
	assert.Equal(t, 3, count)

	settle(t, sched, 2)
	assert.Len(t, rec.snapshot(), 4)

	state, err := stateStore.GetStatus(ctx, "ingest", hourPartition(3))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, state.Status)
}

func TestScheduler_CancelRecordsFailedAttempt(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})

	pipeline := testPipeline(testTask("ingest", nil, 3))
	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(ctx context.Context, _ executor.RunContext) (executor.Outcome, error) {
			close(started)
			<-ctx.Done()

			return executor.Outcome{}, ctx.Err()
		},
	})

	ctx := context.Background()
	partition := hourPartition(14)

	require.NoError(t, sched.Tick(ctx))
	<-started

	assert.True(t, sched.Cancel("ingest", partition))
	require.Eventually(t, func() bool { return sched.InFlight() == 0 }, 5*time.Second, time.Millisecond)

	state, err := stateStore.GetStatus(ctx, "ingest", partition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Contains(t, state.LatestRun().ErrorDetail, "cancelled")
	assert.Equal(t, 1, state.AttemptCount())

	assert.False(t, sched.Cancel("ingest", partition), "nothing in flight to cancel")
}

func TestScheduler_ResetBlockedKeyRetriesOnRescan(t *testing.T) {
	t.Parallel()

	var failing = true

	var mu sync.Mutex

	pipeline := testPipeline(testTask("ingest", nil, 1))
	sched, stateStore := newTestScheduler(t, pipeline, map[string]runFunc{
		"ingest": func(_ context.Context, _ executor.RunContext) (executor.Outcome, error) {
			mu.Lock()
			defer mu.Unlock()

			if failing {
				return executor.Outcome{}, executor.Fatal(errors.New("bad credentials"))
			}

			return executor.Outcome{}, nil
		},
	})

	ctx := context.Background()
	partition := hourPartition(14)

	settle(t, sched, 2)

	state, err := stateStore.GetStatus(ctx, "ingest", partition)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusBlocked, state.Status)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, stateStore.ResetBlocked(ctx, "ingest", partition))

	// The rescan inside the next ticks rediscovers the pending key.
	settle(t, sched, 3)

	state, err = stateStore.GetStatus(ctx, "ingest", partition)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, state.Status)
}

func TestRetryDelay_BoundedAndNonDecreasing(t *testing.T) {
	t.Parallel()

	policy := models.RetryPolicy{
		MaxAttempts: 5,
		BackoffMin:  time.Second,
		BackoffMax:  30 * time.Second,
	}

	var previous time.Duration

	for attempts := 1; attempts <= 5; attempts++ {
		delay := retryDelay(policy, attempts)

		assert.GreaterOrEqual(t, delay, policy.BackoffMin)
		assert.LessOrEqual(t, delay, policy.BackoffMax)
		assert.GreaterOrEqual(t, delay, previous, "delays must not shrink across attempts")

		previous = delay
	}
}

func mustRange(t *testing.T, start, end models.Partition) models.PartitionRange {
	t.Helper()

	r, err := models.NewPartitionRange(start, end)
	require.NoError(t, err)

	return r
}

func TestDetachLeavesSuccessorEntryInPlace(t *testing.T) {
	t.Parallel()

	sched := &Scheduler{cancels: make(map[string]*inflight)}
	key := keyOf("ingest", hourPartition(14))

	firstCancelled := false
	first := &inflight{cancel: func() { firstCancelled = true }}
	sched.cancels[key] = first

	// A retry dispatched under the same key before the first attempt's
	// cleanup ran supersedes its entry.
	secondCancelled := false
	second := &inflight{cancel: func() { secondCancelled = true }}
	sched.cancels[key] = second

	sched.detach(key, first)
	assert.True(t, firstCancelled)
	assert.False(t, secondCancelled, "cleanup of a finished attempt must not cancel its successor")
	assert.Same(t, second, sched.cancels[key])

	sched.detach(key, second)
	assert.True(t, secondCancelled)
	assert.Empty(t, sched.cancels)
}
