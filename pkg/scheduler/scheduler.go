// Package scheduler drives the pipeline DAG: it asks the partition clock
// for due partitions, computes the ready set per partition from the graph
// and the state store, dispatches ready tasks to their executors under
// concurrency limits, and applies the retry/backoff policy.
//
// A single logical controller runs the loop; executions run concurrently
// and never block the loop itself. The state store is the only source of
// truth; everything here can be recomputed from it after a restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wattflow/wattflow/pkg/clock"
	"github.com/wattflow/wattflow/pkg/dag"
	"github.com/wattflow/wattflow/pkg/eventbus"
	"github.com/wattflow/wattflow/pkg/events"
	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/otelhelper"
	"github.com/wattflow/wattflow/pkg/store"
)

const (
	// DefaultTickInterval paces the scheduling loop. Partitions are due
	// by key, not by wall clock, so the interval only bounds reaction
	// latency.
	DefaultTickInterval = 10 * time.Second

	// DefaultMaxParallel bounds total simultaneously running executions
	// when the pipeline does not configure its own limit.
	DefaultMaxParallel = 4
)

// Config assembles the scheduler's collaborators.
type Config struct {
	Pipeline *models.Pipeline
	Graph    *dag.Graph
	Store    store.StateStore
	Clock    *clock.Clock
	Registry *executor.Registry

	// EventBus receives run lifecycle events. Optional.
	EventBus eventbus.EventBus

	// Tracer wraps executions in spans. Optional.
	Tracer trace.Tracer

	Logger       *slog.Logger
	TickInterval time.Duration
}

// Scheduler is the single-controller orchestrator.
type Scheduler struct {
	pipeline     *models.Pipeline
	graph        *dag.Graph
	store        store.StateStore
	clock        *clock.Clock
	eventBus     eventbus.EventBus
	tracer       trace.Tracer
	logger       *slog.Logger
	tickInterval time.Duration

	executors map[string]executor.TaskExecutor
	globalSem chan struct{}
	taskSems  map[string]chan struct{}

	mu      sync.Mutex
	active  map[string]models.Partition // partitions with open work
	retryAt map[string]time.Time        // earliest next attempt per key
	cancels map[string]*inflight        // in-flight runs per key

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds the scheduler, instantiating one executor per task from the
// registry. The graph must already be validated.
func New(cfg Config) (*Scheduler, error) {
	executors := make(map[string]executor.TaskExecutor, len(cfg.Pipeline.Tasks))

	for _, task := range cfg.Pipeline.Tasks {
		exec, err := cfg.Registry.Create(task.Executor, task.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create executor for task %s: %w", task.Name, err)
		}

		executors[task.Name] = exec
	}

	maxParallel := cfg.Pipeline.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	taskSems := make(map[string]chan struct{})

	for _, task := range cfg.Pipeline.Tasks {
		if task.MaxConcurrency > 0 {
			taskSems[task.Name] = make(chan struct{}, task.MaxConcurrency)
		}
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}

	return &Scheduler{
		pipeline:     cfg.Pipeline,
		graph:        cfg.Graph,
		store:        cfg.Store,
		clock:        cfg.Clock,
		eventBus:     cfg.EventBus,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger.With("module", "scheduler", "pipeline", cfg.Pipeline.Name),
		tickInterval: tickInterval,
		executors:    executors,
		globalSem:    make(chan struct{}, maxParallel),
		taskSems:     taskSems,
		active:       make(map[string]models.Partition),
		retryAt:      make(map[string]time.Time),
		cancels:      make(map[string]*inflight),
		now:          time.Now,
	}, nil
}

// SetNow overrides the wall clock, for tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}

// Start recovers orphaned runs, then ticks until the context is
// cancelled. On shutdown every in-flight run is cancelled and awaited.
func (s *Scheduler) Start(ctx context.Context) error {
	err := s.Recover(ctx)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Scheduler started", "tick_interval", s.tickInterval)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down, cancelling in-flight runs")
			s.cancelAll()
			s.wg.Wait()

			return nil
		case <-ticker.C:
			err := s.Tick(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "Scheduling tick failed", "error", err)
			}
		}
	}
}

// Recover reconciles runs left running by a previous process to failed
// before any scheduling resumes. They are never silently resumed.
func (s *Scheduler) Recover(ctx context.Context) error {
	recovered, err := s.store.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	for _, run := range recovered {
		s.logger.WarnContext(ctx, "Reconciled orphaned run to failed",
			"task", run.TaskName, "partition", run.Partition.String(), "attempt", run.Attempt)

		s.publish(ctx, run.Partition, events.RunRecovered{
			BaseEvent: events.NewBaseEvent(events.RunRecoveredEvent, s.pipeline.Name, run.TaskName, run.Partition),
			RunID:     run.ID,
			Attempt:   run.Attempt,
		})
	}

	return nil
}

// Tick performs one scheduling pass: collect newly due partitions, rescan
// for unfinished ones, then dispatch every ready task that fits under the
// concurrency limits. Dispatch is asynchronous; the tick never waits for
// executions.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.clock.Due(ctx)
	if err != nil {
		return fmt.Errorf("failed to get due partitions: %w", err)
	}

	for _, partition := range due {
		s.track(partition)
		s.publish(ctx, partition, events.PartitionDue{
			BaseEvent: events.NewBaseEvent(events.PartitionDueEvent, s.pipeline.Name, "", partition),
		})
	}

	err = s.rescan(ctx)
	if err != nil {
		return err
	}

	for _, partition := range s.activePartitions() {
		settled, err := s.graph.Settled(ctx, partition, s.store)
		if err != nil {
			return err
		}

		if settled {
			s.untrack(partition)

			continue
		}

		ready, err := s.graph.ReadySet(ctx, partition, s.store)
		if err != nil {
			return err
		}

		for _, taskName := range ready {
			s.tryDispatch(ctx, taskName, partition)
		}
	}

	return nil
}

// Backfill enqueues an explicit historical range through the same
// scheduling path as newly due partitions. Keys of the range that do not
// match the schedule cadence are ignored; already-succeeded runs are never
// re-executed because the ready set excludes terminal keys.
func (s *Scheduler) Backfill(ctx context.Context, partitions models.PartitionRange) int {
	count := 0

	for _, partition := range s.clock.ForRange(partitions) {
		if !s.clock.Matches(partition) {
			continue
		}

		s.track(partition)
		count++
	}

	s.logger.InfoContext(ctx, "Backfill enqueued",
		"start", partitions.Start.String(), "end", partitions.End.String(), "partitions", count)

	return count
}

// Cancel aborts the in-flight run of a key on operator request. The run
// is recorded failed with a cancellation detail, consuming an attempt.
func (s *Scheduler) Cancel(taskName string, partition models.Partition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, exists := s.cancels[keyOf(taskName, partition)]
	if exists {
		handle.cancel()
	}

	return exists
}

// InFlight returns how many executions are currently running.
func (s *Scheduler) InFlight() int {
	return len(s.globalSem)
}

// rescan re-discovers unfinished partitions inside the look-back window,
// so restarts, operator resets and slow tasks need no special casing.
func (s *Scheduler) rescan(ctx context.Context) error {
	watermark, err := s.store.LoadWatermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	if watermark.IsZero() {
		return nil
	}

	start := models.NewPartition(watermark.Time().Add(-time.Duration(s.clock.LookBack()) * s.clock.Interval()))

	window, err := models.NewPartitionRange(start, watermark)
	if err != nil {
		return err
	}

	for _, taskName := range s.graph.Tasks() {
		incomplete, err := s.store.ListIncomplete(ctx, taskName, window)
		if err != nil {
			return fmt.Errorf("failed to list incomplete partitions for task %s: %w", taskName, err)
		}

		for _, state := range incomplete {
			if s.clock.Matches(state.Partition) {
				s.track(state.Partition)
			}
		}
	}

	return nil
}

// tryDispatch starts one attempt if the retry delay has elapsed and both
// concurrency limits admit it. Never blocks.
func (s *Scheduler) tryDispatch(ctx context.Context, taskName string, partition models.Partition) {
	spec, ok := s.pipeline.TaskByName(taskName)
	if !ok {
		return
	}

	key := keyOf(taskName, partition)

	s.mu.Lock()
	notBefore, delayed := s.retryAt[key]
	s.mu.Unlock()

	if delayed && s.now().Before(notBefore) {
		return
	}

	select {
	case s.globalSem <- struct{}{}:
	default:
		return
	}

	taskSem, limited := s.taskSems[taskName]
	if limited {
		select {
		case taskSem <- struct{}{}:
		default:
			<-s.globalSem

			return
		}
	}

	run, err := s.store.RecordAttemptStart(ctx, taskName, partition)
	if err != nil {
		s.release(taskName)

		if store.IsConcurrencyViolation(err) {
			// Must never happen from correct operation: the ready set
			// excludes running keys and the tick loop is single-threaded.
			s.logger.ErrorContext(ctx, "Mutual-exclusion invariant violated",
				"task", taskName, "partition", partition.String(), "error", err)

			return
		}

		if !store.IsRunFinal(err) {
			s.logger.ErrorContext(ctx, "Failed to record attempt start",
				"task", taskName, "partition", partition.String(), "error", err)
		}

		return
	}

	s.mu.Lock()
	delete(s.retryAt, key)
	s.mu.Unlock()

	s.publish(ctx, partition, events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, s.pipeline.Name, taskName, partition),
		RunID:     run.ID,
		Attempt:   run.Attempt,
	})

	runCtx, cancel := context.WithCancel(ctx)
	handle := &inflight{cancel: cancel}

	s.mu.Lock()
	s.cancels[key] = handle
	s.mu.Unlock()

	s.wg.Add(1)

	go s.execute(runCtx, handle, run, spec)
}

// inflight identifies one attempt's cancellation, so cleanup after an
// attempt never touches a successor already dispatched under the same key.
type inflight struct {
	cancel context.CancelFunc
}

// detach cancels the attempt's own context and removes its entry, leaving
// any newer entry for the key in place.
func (s *Scheduler) detach(key string, handle *inflight) {
	handle.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancels[key] == handle {
		delete(s.cancels, key)
	}
}

// execute runs one attempt to completion and records its outcome. It runs
// on its own goroutine; the scheduling loop never waits for it.
func (s *Scheduler) execute(ctx context.Context, handle *inflight, run *models.Run, spec models.TaskSpec) {
	key := keyOf(run.TaskName, run.Partition)

	defer func() {
		s.detach(key, handle)
		s.release(run.TaskName)
		s.wg.Done()
	}()

	logger := s.logger.With("task", run.TaskName, "partition", run.Partition.String(), "attempt", run.Attempt)
	logger.InfoContext(ctx, "Dispatching run", "run_id", run.ID)

	if s.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "run",
			attribute.String(otelhelper.TaskNameKey, run.TaskName),
			attribute.String(otelhelper.PartitionKey, run.Partition.String()),
			attribute.Int(otelhelper.AttemptKey, run.Attempt),
			attribute.String(otelhelper.RunIDKey, run.ID),
		)
		defer span.End()
	}

	outcome, err := s.executors[run.TaskName].Run(ctx, executor.RunContext{
		RunID:          run.ID,
		Partition:      run.Partition,
		PriorSucceeded: s.priorSucceeded(ctx, run.TaskName, run.Partition),
		Config:         spec.Config,
		Logger:         logger,
	})

	if s.tracer != nil && err != nil {
		otelhelper.SetError(trace.SpanFromContext(ctx), err)
	}

	// Outcome recording must survive shutdown cancellation.
	s.finish(context.WithoutCancel(ctx), run, spec, outcome, err, logger)
}

// finish classifies the result, persists it and emits the lifecycle event.
// Executor errors are handled here at the dispatch boundary; they never
// crash the scheduling loop.
func (s *Scheduler) finish(ctx context.Context, run *models.Run, spec models.TaskSpec, outcome executor.Outcome, runErr error, logger *slog.Logger) {
	base := func(t events.EventType) events.BaseEvent {
		return events.NewBaseEvent(t, s.pipeline.Name, run.TaskName, run.Partition)
	}

	if runErr == nil {
		if outcome.Skipped {
			s.record(ctx, run, models.RunStatusSkipped, outcome.Detail, logger)
			s.publish(ctx, run.Partition, events.RunSkipped{
				BaseEvent: base(events.RunSkippedEvent),
				RunID:     run.ID,
				Detail:    outcome.Detail,
			})

			return
		}

		s.record(ctx, run, models.RunStatusSucceeded, outcome.Detail, logger)
		logger.InfoContext(ctx, "Run succeeded")
		s.publish(ctx, run.Partition, events.RunSucceeded{
			BaseEvent: base(events.RunSucceededEvent),
			RunID:     run.ID,
			Attempt:   run.Attempt,
			Duration:  s.now().Sub(run.StartedAt),
			Detail:    outcome.Detail,
		})

		return
	}

	detail := runErr.Error()
	if executor.IsCancelled(runErr) {
		detail = fmt.Sprintf("%v: %v", executor.ErrCancelled, runErr)
	}

	counted, err := s.store.CountedAttempts(ctx, run.TaskName, run.Partition)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to count attempts", "error", err)

		counted = run.Attempt
	}

	exhausted := counted >= spec.Retry.MaxAttempts

	if executor.IsFatal(runErr) || exhausted {
		s.record(ctx, run, models.RunStatusBlocked, detail, logger)
		logger.ErrorContext(ctx, "Run blocked", "error", runErr, "attempts", counted, "fatal", executor.IsFatal(runErr))
		s.publish(ctx, run.Partition, events.RunBlocked{
			BaseEvent: base(events.RunBlockedEvent),
			RunID:     run.ID,
			Attempts:  counted,
			Error:     detail,
		})

		return
	}

	delay := retryDelay(spec.Retry, counted)

	s.mu.Lock()
	s.retryAt[keyOf(run.TaskName, run.Partition)] = s.now().Add(delay)
	s.mu.Unlock()

	s.record(ctx, run, models.RunStatusFailed, detail, logger)
	logger.WarnContext(ctx, "Run failed, will retry", "error", runErr, "attempt", counted, "retry_in", delay)
	s.publish(ctx, run.Partition, events.RunFailed{
		BaseEvent: base(events.RunFailedEvent),
		RunID:     run.ID,
		Attempt:   run.Attempt,
		Duration:  s.now().Sub(run.StartedAt),
		Error:     detail,
		WillRetry: true,
	})
}

func (s *Scheduler) record(ctx context.Context, run *models.Run, status models.RunStatus, detail string, logger *slog.Logger) {
	err := s.store.RecordAttemptOutcome(ctx, run.ID, status, detail)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record attempt outcome", "status", string(status), "error", err)
	}
}

// priorSucceeded lists earlier partitions of the task that already
// succeeded inside the look-back window, for executors that need
// continuity context.
func (s *Scheduler) priorSucceeded(ctx context.Context, taskName string, partition models.Partition) []models.Partition {
	start := models.NewPartition(partition.Time().Add(-time.Duration(s.clock.LookBack()) * s.clock.Interval()))
	end := models.NewPartition(partition.Time().Add(-s.clock.Interval()))

	if end.Before(start) {
		return nil
	}

	window, err := models.NewPartitionRange(start, end)
	if err != nil {
		return nil
	}

	incomplete, err := s.store.ListIncomplete(ctx, taskName, window)
	if err != nil {
		return nil
	}

	unfinished := make(map[string]bool, len(incomplete))
	for _, state := range incomplete {
		unfinished[state.Partition.String()] = true
	}

	var succeeded []models.Partition

	for _, candidate := range window.Partitions() {
		if s.clock.Matches(candidate) && !unfinished[candidate.String()] {
			succeeded = append(succeeded, candidate)
		}
	}

	return succeeded
}

func (s *Scheduler) release(taskName string) {
	if taskSem, limited := s.taskSems[taskName]; limited {
		<-taskSem
	}

	<-s.globalSem
}

func (s *Scheduler) publish(ctx context.Context, partition models.Partition, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	err := s.eventBus.Publish(ctx, s.pipeline.Name+"/"+partition.String(), event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event", "event", string(event.GetType()), "error", err)
	}
}

func (s *Scheduler) track(partition models.Partition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[partition.String()] = partition
}

func (s *Scheduler) untrack(partition models.Partition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, partition.String())
}

// activePartitions snapshots the tracked partitions in ascending order,
// so dispatch follows partition order across the board.
func (s *Scheduler) activePartitions() []models.Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	partitions := make([]models.Partition, 0, len(s.active))
	for _, partition := range s.active {
		partitions = append(partitions, partition)
	}

	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Before(partitions[j])
	})

	return partitions
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, handle := range s.cancels {
		handle.cancel()
	}
}

func keyOf(taskName string, partition models.Partition) string {
	return taskName + "/" + partition.String()
}
