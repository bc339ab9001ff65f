// Package web provides the HTTP operator surface: run status queries,
// blocked-key listing, backfill triggering and blocked-key resets.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store"
)

// Orchestrator is the slice of the scheduler the API needs.
type Orchestrator interface {
	Backfill(ctx context.Context, partitions models.PartitionRange) int
	Cancel(taskName string, partition models.Partition) bool
}

type APIHandlers struct {
	store        store.StateStore
	orchestrator Orchestrator
	pipeline     *models.Pipeline
	validator    *validator.Validate
}

func NewAPIHandlers(stateStore store.StateStore, orchestrator Orchestrator, pipeline *models.Pipeline) *APIHandlers {
	return &APIHandlers{
		store:        stateStore,
		orchestrator: orchestrator,
		pipeline:     pipeline,
		validator:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts the operator endpoints on the app. Endpoints that act
// on the running scheduler are only mounted when an orchestrator is
// attached; a standalone status API serves the store-backed ones.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Get("/blocked", h.ListBlocked)

	app.Get("/tasks/:task/status", h.GetTaskRangeStatus)

	tasks := app.Group("/tasks/:task/partitions/:partition")
	tasks.Get("/", h.GetTaskStatus)
	tasks.Post("/retry", h.RetryBlocked)

	if h.orchestrator != nil {
		tasks.Post("/cancel", h.CancelRun)
		app.Post("/backfill", h.TriggerBackfill)
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"pipeline":  h.pipeline.Name,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetTaskStatus(c fiber.Ctx) error {
	taskName, partition, err := h.parseKey(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	state, err := h.store.GetStatus(c.Context(), taskName, partition)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(state)
}

// GetTaskRangeStatus reports one task's state across an inclusive partition
// range, with an aggregate status folding the range: blocked outranks
// in-progress, which outranks done.
func (h *APIHandlers) GetTaskRangeStatus(c fiber.Ctx) error {
	taskName := c.Params("task")

	start, err := models.ParsePartition(c.Query("start"))
	if err != nil {
		return badRequest(c, "Invalid start partition: "+err.Error())
	}

	endKey := c.Query("end")
	if endKey == "" {
		endKey = c.Query("start")
	}

	end, err := models.ParsePartition(endKey)
	if err != nil {
		return badRequest(c, "Invalid end partition: "+err.Error())
	}

	partitions, err := models.NewPartitionRange(start, end)
	if err != nil {
		return badRequest(c, err.Error())
	}

	states := make([]*models.TaskState, 0, len(partitions.Partitions()))

	for _, partition := range partitions.Partitions() {
		state, err := h.store.GetStatus(c.Context(), taskName, partition)
		if err != nil {
			return handleStoreError(c, err)
		}

		states = append(states, state)
	}

	return c.JSON(RangeStatusResponse{
		TaskName:   taskName,
		Start:      start.String(),
		End:        end.String(),
		Status:     string(models.AggregateStatus(states)),
		Partitions: states,
	})
}

func (h *APIHandlers) ListBlocked(c fiber.Ctx) error {
	blocked, err := h.store.ListBlocked(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"blocked": blocked,
		"count":   len(blocked),
	})
}

// RetryBlocked returns a blocked key to pending with a fresh retry budget.
// The scheduler's rescan picks it up on the next tick.
func (h *APIHandlers) RetryBlocked(c fiber.Ctx) error {
	taskName, partition, err := h.parseKey(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	err = h.store.ResetBlocked(c.Context(), taskName, partition)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(RetryResponse{
		TaskName:  taskName,
		Partition: partition.String(),
		Status:    string(models.RunStatusPending),
	})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	taskName, partition, err := h.parseKey(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if !h.orchestrator.Cancel(taskName, partition) {
		return notFound(c, "no run in flight for this task and partition")
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) TriggerBackfill(c fiber.Ctx) error {
	var req BackfillRequest

	err := c.Bind().JSON(&req)
	if err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	start, err := models.ParsePartition(req.Start)
	if err != nil {
		return badRequest(c, "Invalid start partition: "+err.Error())
	}

	end, err := models.ParsePartition(req.End)
	if err != nil {
		return badRequest(c, "Invalid end partition: "+err.Error())
	}

	partitions, err := models.NewPartitionRange(start, end)
	if err != nil {
		return badRequest(c, err.Error())
	}

	count := h.orchestrator.Backfill(c.Context(), partitions)

	return c.Status(fiber.StatusAccepted).JSON(BackfillResponse{
		Start:      start.String(),
		End:        end.String(),
		Partitions: count,
	})
}

func (h *APIHandlers) parseKey(c fiber.Ctx) (string, models.Partition, error) {
	taskName := c.Params("task")

	partition, err := models.ParsePartition(c.Params("partition"))
	if err != nil {
		return "", models.Partition{}, err
	}

	return taskName, partition, nil
}
