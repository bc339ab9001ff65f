package cmd

import (
	"log/slog"

	"github.com/wattflow/wattflow/pkg/executor"
	"github.com/wattflow/wattflow/pkg/executors/clean"
	"github.com/wattflow/wattflow/pkg/executors/ingest"
	"github.com/wattflow/wattflow/pkg/executors/model"
)

// NewRegistry returns the executor registry with every built-in pipeline
// stage registered.
func NewRegistry(logger *slog.Logger) *executor.Registry {
	registry := executor.NewRegistry(logger)
	registry.Register(&ingest.Factory{})
	registry.Register(&clean.Factory{})
	registry.Register(&model.Factory{})

	return registry
}
