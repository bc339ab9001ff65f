package web

import "github.com/wattflow/wattflow/pkg/models"

// BackfillRequest asks the controller to enqueue a historical partition
// range through the normal scheduling path.
type BackfillRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end"   validate:"required"`
}

// BackfillResponse reports how many partition keys the range produced.
type BackfillResponse struct {
	Start      string `json:"start"`
	End        string `json:"end"`
	Partitions int    `json:"partitions"`
}

// RangeStatusResponse reports one task's state across an inclusive
// partition range. Status is the aggregate over the range: blocked if any
// key is blocked, done when every key satisfies dependents, otherwise
// pending.
type RangeStatusResponse struct {
	TaskName   string              `json:"task_name"`
	Start      string              `json:"start"`
	End        string              `json:"end"`
	Status     string              `json:"status"`
	Partitions []*models.TaskState `json:"partitions"`
}

// RetryResponse acknowledges an operator reset of a blocked key.
type RetryResponse struct {
	TaskName  string `json:"task_name"`
	Partition string `json:"partition"`
	Status    string `json:"status"`
}
