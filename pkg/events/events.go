// Package events defines event types and structures for run lifecycle notifications.
//
// Events are an audit and monitoring feed. The scheduler never depends on
// the bus for correctness; the state store stays the single source of truth.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/wattflow/wattflow/pkg/models"
)

type EventType string

// Kafka topic carrying all run lifecycle events.
const Topic = "wattflow.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	PartitionDueEvent EventType = "partition.due"

	RunStartedEvent   EventType = "run.started"
	RunSucceededEvent EventType = "run.succeeded"
	RunFailedEvent    EventType = "run.failed"
	RunSkippedEvent   EventType = "run.skipped"
	RunBlockedEvent   EventType = "run.blocked"
	RunRecoveredEvent EventType = "run.recovered"
)

type BaseEvent struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Pipeline  string           `json:"pipeline"`
	TaskName  string           `json:"task_name,omitempty"`
	Partition models.Partition `json:"partition"`
}

// NewBaseEvent stamps the shared envelope of every event.
func NewBaseEvent(eventType EventType, pipeline, taskName string, partition models.Partition) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Pipeline:  pipeline,
		TaskName:  taskName,
		Partition: partition,
	}
}

type PartitionDue struct {
	BaseEvent
}

func (p PartitionDue) GetType() EventType {
	return PartitionDueEvent
}

type RunStarted struct {
	BaseEvent

	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunSucceeded struct {
	BaseEvent

	RunID    string        `json:"run_id"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

func (r RunSucceeded) GetType() EventType {
	return RunSucceededEvent
}

type RunFailed struct {
	BaseEvent

	RunID    string        `json:"run_id"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error"`

	// WillRetry distinguishes a retryable failure from one awaiting the
	// next tick of operator attention.
	WillRetry bool `json:"will_retry"`
}

func (r RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunSkipped struct {
	BaseEvent

	RunID  string `json:"run_id"`
	Detail string `json:"detail,omitempty"`
}

func (r RunSkipped) GetType() EventType {
	return RunSkippedEvent
}

type RunBlocked struct {
	BaseEvent

	RunID    string `json:"run_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (r RunBlocked) GetType() EventType {
	return RunBlockedEvent
}

// RunRecovered reports a run found running at startup and reconciled to
// failed before scheduling resumed.
type RunRecovered struct {
	BaseEvent

	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

func (r RunRecovered) GetType() EventType {
	return RunRecoveredEvent
}
