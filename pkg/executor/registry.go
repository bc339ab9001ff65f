package executor

import (
	"fmt"
	"log/slog"
)

// Registry maps executor type names from the pipeline definition to the
// factories that build them.
type Registry struct {
	logger    *slog.Logger
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under its own ID.
func (r *Registry) Register(factory Factory) {
	r.factories[factory.ID()] = factory
}

// Create builds an executor of the named type with its task configuration.
func (r *Registry) Create(executorType string, config map[string]any) (TaskExecutor, error) {
	factory, ok := r.factories[executorType]
	if !ok {
		return nil, fmt.Errorf("executor type '%s' not registered", executorType)
	}

	return factory.Create(config)
}

// Available returns the registered executor type names.
func (r *Registry) Available() []string {
	types := make([]string, 0, len(r.factories))
	for executorType := range r.factories {
		types = append(types, executorType)
	}

	return types
}
