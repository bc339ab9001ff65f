// Package file provides file-based state store implementation for pipeline runs.
//
// Each (task, partition) key is persisted as one JSON document under
// <root>/runs/<task>/<partition>.json, plus <root>/watermark.json for the
// clock. A process-wide mutex makes every mutation linearizable, which
// trivially upholds the per-key mutual-exclusion invariant.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store"
)

// keyState is the on-disk document for one (task, partition) key.
type keyState struct {
	TaskName  string           `json:"task_name"`
	Partition models.Partition `json:"partition"`
	Status    models.RunStatus `json:"status"`

	// AttemptFloor counts attempts voided by an operator reset. They
	// stay in Runs for audit but no longer count toward the retry limit.
	AttemptFloor int           `json:"attempt_floor"`
	Runs         []*models.Run `json:"runs"`
}

type watermarkState struct {
	LastEmitted models.Partition `json:"last_emitted"`
}

// Store implements store.StateStore using the file system.
type Store struct {
	root string

	mu    sync.RWMutex
	keys  map[string]*keyState // task + "/" + partition
	byRun map[string]*keyState // run ID -> owning key
}

// NewStore creates the directory layout and loads any existing state.
func NewStore(root string) (*Store, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	err := os.MkdirAll(filepath.Join(cleanRoot, "runs"), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		root:  cleanRoot,
		keys:  make(map[string]*keyState),
		byRun: make(map[string]*keyState),
	}

	err = s.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return s, nil
}

func keyOf(taskName string, partition models.Partition) string {
	return taskName + "/" + partition.String()
}

func (s *Store) load() error {
	runsRoot := os.DirFS(filepath.Join(s.root, "runs"))

	files, err := fs.Glob(runsRoot, "*/*.json")
	if err != nil {
		return fmt.Errorf("failed to list state files: %w", err)
	}

	for _, file := range files {
		data, err := fs.ReadFile(runsRoot, file)
		if err != nil {
			return fmt.Errorf("failed to read state file %s: %w", file, err)
		}

		state := &keyState{}

		err = json.Unmarshal(data, state)
		if err != nil {
			return fmt.Errorf("failed to decode state file %s: %w", file, err)
		}

		s.keys[keyOf(state.TaskName, state.Partition)] = state
		for _, run := range state.Runs {
			s.byRun[run.ID] = state
		}
	}

	return nil
}

// save must be called with the write lock held.
func (s *Store) save(state *keyState) error {
	dir := filepath.Join(s.root, "runs", state.TaskName)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	path := filepath.Join(dir, state.Partition.String()+".json")

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// RecordAttemptStart creates a running run for the key, enforcing the
// mutual-exclusion invariant.
func (s *Store) RecordAttemptStart(ctx context.Context, taskName string, partition models.Partition) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.keys[keyOf(taskName, partition)]
	if !exists {
		state = &keyState{
			TaskName:  taskName,
			Partition: partition,
			Status:    models.RunStatusPending,
		}
		s.keys[keyOf(taskName, partition)] = state
	}

	if state.Status == models.RunStatusRunning {
		return nil, store.NewRunError("RecordAttemptStart", taskName, partition, store.ErrConcurrencyViolation)
	}

	if state.Status.Terminal() {
		return nil, store.NewRunError("RecordAttemptStart", taskName, partition, store.ErrRunFinal)
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Partition: partition,
		Attempt:   len(state.Runs) + 1,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	state.Runs = append(state.Runs, run)
	state.Status = models.RunStatusRunning
	s.byRun[run.ID] = state

	err := s.save(state)
	if err != nil {
		return nil, err
	}

	copied := *run

	return &copied, nil
}

// RecordAttemptOutcome finishes the identified run and moves its key to
// the outcome status.
func (s *Store) RecordAttemptOutcome(ctx context.Context, runID string, status models.RunStatus, errorDetail string) error {
	switch status {
	case models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusSkipped, models.RunStatusBlocked:
	default:
		return fmt.Errorf("%w: %s", store.ErrInvalidOutcome, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.byRun[runID]
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	var run *models.Run

	for _, candidate := range state.Runs {
		if candidate.ID == runID {
			run = candidate

			break
		}
	}

	if run == nil || run.Finished() {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	now := time.Now().UTC()
	run.Status = status
	run.ErrorDetail = errorDetail
	run.FinishedAt = &now
	state.Status = status

	return s.save(state)
}

// GetStatus returns the aggregate state of a key. Keys never attempted
// report pending with no attempts.
func (s *Store) GetStatus(ctx context.Context, taskName string, partition models.Partition) (*models.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.keys[keyOf(taskName, partition)]
	if !exists {
		return &models.TaskState{
			TaskName:  taskName,
			Partition: partition,
			Status:    models.RunStatusPending,
		}, nil
	}

	return s.taskStateLocked(state), nil
}

// taskStateLocked copies a keyState into the reporting shape. Callers hold
// at least the read lock.
func (s *Store) taskStateLocked(state *keyState) *models.TaskState {
	attempts := make([]*models.Run, len(state.Runs))
	for i, run := range state.Runs {
		copied := *run
		attempts[i] = &copied
	}

	return &models.TaskState{
		TaskName:  state.TaskName,
		Partition: state.Partition,
		Status:    state.Status,
		Attempts:  attempts,
	}
}

// ListBlocked returns every blocked key, ordered by task then partition.
func (s *Store) ListBlocked(ctx context.Context) ([]*models.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocked := make([]*models.TaskState, 0)

	for _, state := range s.keys {
		if state.Status == models.RunStatusBlocked {
			blocked = append(blocked, s.taskStateLocked(state))
		}
	}

	sort.Slice(blocked, func(i, j int) bool {
		if blocked[i].TaskName != blocked[j].TaskName {
			return blocked[i].TaskName < blocked[j].TaskName
		}

		return blocked[i].Partition.Before(blocked[j].Partition)
	})

	return blocked, nil
}

// ListIncomplete returns keys of the task inside the range that do not yet
// satisfy dependents, in ascending partition order. Partitions with no
// recorded attempt report pending.
func (s *Store) ListIncomplete(ctx context.Context, taskName string, partitions models.PartitionRange) ([]*models.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incomplete := make([]*models.TaskState, 0)

	for _, partition := range partitions.Partitions() {
		state, exists := s.keys[keyOf(taskName, partition)]
		if !exists {
			incomplete = append(incomplete, &models.TaskState{
				TaskName:  taskName,
				Partition: partition,
				Status:    models.RunStatusPending,
			})

			continue
		}

		if !state.Status.Satisfies() {
			incomplete = append(incomplete, s.taskStateLocked(state))
		}
	}

	return incomplete, nil
}

// ResetBlocked returns a blocked key to pending and voids its counted
// attempts, on operator request.
func (s *Store) ResetBlocked(ctx context.Context, taskName string, partition models.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.keys[keyOf(taskName, partition)]
	if !exists || state.Status != models.RunStatusBlocked {
		return store.NewRunError("ResetBlocked", taskName, partition, store.ErrNotBlocked)
	}

	state.Status = models.RunStatusPending
	state.AttemptFloor = len(state.Runs)

	return s.save(state)
}

// CountedAttempts returns the attempts counting toward the retry limit.
func (s *Store) CountedAttempts(ctx context.Context, taskName string, partition models.Partition) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.keys[keyOf(taskName, partition)]
	if !exists {
		return 0, nil
	}

	return len(state.Runs) - state.AttemptFloor, nil
}

// RecoverOrphans reconciles runs left running by a crashed process to
// failed, consuming the attempt.
func (s *Store) RecoverOrphans(ctx context.Context) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := make([]*models.Run, 0)

	for _, state := range s.keys {
		if state.Status != models.RunStatusRunning {
			continue
		}

		for _, run := range state.Runs {
			if run.Status != models.RunStatusRunning {
				continue
			}

			now := time.Now().UTC()
			run.Status = models.RunStatusFailed
			run.ErrorDetail = "orphaned by restart"
			run.FinishedAt = &now

			copied := *run
			recovered = append(recovered, &copied)
		}

		state.Status = models.RunStatusFailed

		err := s.save(state)
		if err != nil {
			return nil, err
		}
	}

	return recovered, nil
}

// LoadWatermark returns the last emitted partition, or a zero partition
// when none was saved yet.
func (s *Store) LoadWatermark(ctx context.Context) (models.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.root, "watermark.json"))
	if errors.Is(err, os.ErrNotExist) {
		return models.Partition{}, nil
	}

	if err != nil {
		return models.Partition{}, fmt.Errorf("failed to read watermark: %w", err)
	}

	var wm watermarkState

	err = json.Unmarshal(data, &wm)
	if err != nil {
		return models.Partition{}, fmt.Errorf("failed to decode watermark: %w", err)
	}

	return wm.LastEmitted, nil
}

// SaveWatermark durably records the last emitted partition.
func (s *Store) SaveWatermark(ctx context.Context, partition models.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(watermarkState{LastEmitted: partition})
	if err != nil {
		return fmt.Errorf("failed to encode watermark: %w", err)
	}

	err = os.WriteFile(filepath.Join(s.root, "watermark.json"), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}

	return nil
}

// HealthCheck verifies the state directory still exists.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based state, nothing.
func (s *Store) Close(ctx context.Context) error {
	return nil
}
