package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Default retry policy applied when a task spec leaves the fields unset.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffMin  = 5 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// ErrInvalidPipeline is returned when a pipeline definition fails validation.
var ErrInvalidPipeline = errors.New("invalid pipeline definition")

// RetryPolicy bounds how often a failed (task, partition) is re-attempted
// and how long the scheduler waits between attempts.
type RetryPolicy struct {
	// MaxAttempts counts every attempt including the first. When a run
	// fails MaxAttempts times the key becomes blocked.
	MaxAttempts int `json:"max_attempts" validate:"gte=1"`

	// BackoffMin is the delay before the first retry. Subsequent delays
	// double up to BackoffMax.
	BackoffMin time.Duration `json:"backoff_min" validate:"gte=0"`
	BackoffMax time.Duration `json:"backoff_max" validate:"gtefield=BackoffMin"`
}

// UnmarshalJSON accepts human-readable durations ("5s", "5m") in pipeline
// definition files.
func (r *RetryPolicy) UnmarshalJSON(data []byte) error {
	var raw struct {
		MaxAttempts int    `json:"max_attempts"`
		BackoffMin  string `json:"backoff_min"`
		BackoffMax  string `json:"backoff_max"`
	}

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	r.MaxAttempts = raw.MaxAttempts

	if raw.BackoffMin != "" {
		r.BackoffMin, err = time.ParseDuration(raw.BackoffMin)
		if err != nil {
			return fmt.Errorf("failed to parse backoff_min: %w", err)
		}
	}

	if raw.BackoffMax != "" {
		r.BackoffMax, err = time.ParseDuration(raw.BackoffMax)
		if err != nil {
			return fmt.Errorf("failed to parse backoff_max: %w", err)
		}
	}

	return nil
}

func (r RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MaxAttempts int    `json:"max_attempts"`
		BackoffMin  string `json:"backoff_min"`
		BackoffMax  string `json:"backoff_max"`
	}{
		MaxAttempts: r.MaxAttempts,
		BackoffMin:  r.BackoffMin.String(),
		BackoffMax:  r.BackoffMax.String(),
	})
}

// TaskSpec declares one task of the pipeline DAG: a stable name, the
// executor type that runs it, its upstream dependencies and its limits.
type TaskSpec struct {
	Name string `json:"name" validate:"required,min=1"`

	// Executor selects the registered executor factory ("ingest",
	// "clean", "model", ...).
	Executor string `json:"executor" validate:"required"`

	// DependsOn lists upstream task names. Every name must be declared
	// in the same pipeline; the resulting graph must be acyclic.
	DependsOn []string `json:"depends_on,omitempty"`

	// MaxConcurrency bounds simultaneous runs of this task across
	// partitions. Zero means only the global limit applies.
	MaxConcurrency int `json:"max_concurrency,omitempty" validate:"gte=0"`

	Retry RetryPolicy `json:"retry"`

	// Config is passed opaquely to the executor factory.
	Config map[string]any `json:"config,omitempty"`
}

// Pipeline is the static definition the orchestrator schedules: a DAG of
// tasks plus the partition cadence.
type Pipeline struct {
	Name        string `json:"name" validate:"required,min=3"`
	Description string `json:"description,omitempty"`

	// Schedule is a standard 5-field cron expression; its fire times are
	// the partition keys ("0 * * * *" means one partition per hour).
	Schedule string `json:"schedule" validate:"required"`

	// LookBack bounds how far behind the clock may reach when catching
	// up, counted in partitions. Zero applies DefaultLookBack.
	LookBack int `json:"look_back,omitempty" validate:"gte=0"`

	// MaxParallel bounds total simultaneously running executions.
	MaxParallel int `json:"max_parallel,omitempty" validate:"gte=0"`

	Tasks []TaskSpec `json:"tasks" validate:"required,min=1,dive"`
}

// TaskByName returns the declared task with the given name.
func (p *Pipeline) TaskByName(name string) (TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.Name == name {
			return t, true
		}
	}

	return TaskSpec{}, false
}

// ApplyDefaults fills unset retry fields on every task.
func (p *Pipeline) ApplyDefaults() {
	for i := range p.Tasks {
		retry := &p.Tasks[i].Retry
		if retry.MaxAttempts == 0 {
			retry.MaxAttempts = DefaultMaxAttempts
		}

		if retry.BackoffMin == 0 {
			retry.BackoffMin = DefaultBackoffMin
		}

		if retry.BackoffMax == 0 {
			retry.BackoffMax = DefaultBackoffMax
		}
	}
}

// Validate checks the cron expression and task declarations. Graph-level
// checks (cycles, unknown dependencies) belong to the dag package.
func (p *Pipeline) Validate() error {
	if p.Name == "" || p.Schedule == "" || len(p.Tasks) == 0 {
		return ErrInvalidPipeline
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	_, err := parser.Parse(p.Schedule)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Tasks))
	for _, task := range p.Tasks {
		if task.Name == "" || task.Executor == "" {
			return ErrInvalidPipeline
		}

		if seen[task.Name] {
			return ErrInvalidPipeline
		}

		seen[task.Name] = true
	}

	return nil
}
