// Package dag models the static task graph of a pipeline and answers which
// tasks are ready to run for a given partition.
package dag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/store"
)

var (
	// ErrCycle indicates the dependency edges form a cycle. Detected at
	// load time, before any scheduling begins.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownDependency indicates an edge references a task that was
	// never declared.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDuplicateTask indicates the same task name was declared twice.
	ErrDuplicateTask = errors.New("task already declared")
)

// Graph is a fixed set of tasks and dependency edges. Tasks keep their
// declaration order, which breaks ties in the topological order.
type Graph struct {
	order     []string
	deps      map[string][]string
	validated bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// FromPipeline builds and validates the graph of a pipeline definition.
func FromPipeline(pipeline *models.Pipeline) (*Graph, error) {
	g := New()

	for _, task := range pipeline.Tasks {
		err := g.AddTask(task.Name, task.DependsOn)
		if err != nil {
			return nil, err
		}
	}

	err := g.Validate()
	if err != nil {
		return nil, err
	}

	return g, nil
}

// AddTask declares a task and its upstream dependencies.
func (g *Graph) AddTask(name string, dependencies []string) error {
	if _, exists := g.deps[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}

	g.order = append(g.order, name)
	g.deps[name] = append([]string(nil), dependencies...)
	g.validated = false

	return nil
}

// Tasks returns the task names in declaration order.
func (g *Graph) Tasks() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the declared upstream names of a task.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Validate fails fast with ErrUnknownDependency when an edge references an
// undeclared task and with ErrCycle when the graph is not acyclic.
func (g *Graph) Validate() error {
	for _, name := range g.order {
		for _, dep := range g.deps[name] {
			if _, ok := g.deps[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on undeclared %s", ErrUnknownDependency, name, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(g.order))

	var visit func(name string, trail []string) error

	visit = func(name string, trail []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(trail, name), " -> "))
		}

		state[name] = visiting

		for _, dep := range g.deps[name] {
			err := visit(dep, append(trail, name))
			if err != nil {
				return err
			}
		}

		state[name] = done

		return nil
	}

	for _, name := range g.order {
		err := visit(name, nil)
		if err != nil {
			return err
		}
	}

	g.validated = true

	return nil
}

// TopologicalOrder returns the tasks so that every task appears after all
// of its dependencies. The order is deterministic: ties are broken by
// declaration order. Validate must have succeeded first.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))

	for _, name := range g.order {
		indegree[name] = len(g.deps[name])
		for _, dep := range g.deps[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	result := make([]string, 0, len(g.order))
	ready := make([]string, 0, len(g.order))

	for _, name := range g.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, name)

		// Scan declaration order so released tasks enqueue
		// deterministically.
		released := make(map[string]bool)

		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				released[dependent] = true
			}
		}

		for _, candidate := range g.order {
			if released[candidate] {
				ready = append(ready, candidate)
			}
		}
	}

	return result
}

// ReadySet returns the tasks of one partition whose every dependency has
// reached a satisfying status and which are not themselves already
// terminal or running. A blocked dependency permanently excludes its
// dependents for this partition only.
func (g *Graph) ReadySet(ctx context.Context, partition models.Partition, stateStore store.StateStore) ([]string, error) {
	var ready []string

	for _, name := range g.TopologicalOrder() {
		state, err := stateStore.GetStatus(ctx, name, partition)
		if err != nil {
			return nil, fmt.Errorf("failed to get status of task %s partition %s: %w", name, partition, err)
		}

		if state.Status.Terminal() || state.Status == models.RunStatusRunning {
			continue
		}

		eligible := true

		for _, dep := range g.deps[name] {
			depState, err := stateStore.GetStatus(ctx, dep, partition)
			if err != nil {
				return nil, fmt.Errorf("failed to get status of dependency %s partition %s: %w", dep, partition, err)
			}

			if !depState.Status.Satisfies() {
				eligible = false

				break
			}
		}

		if eligible {
			ready = append(ready, name)
		}
	}

	return ready, nil
}

// Settled reports whether every task of the partition is terminal, i.e.
// the partition needs no further scheduling.
func (g *Graph) Settled(ctx context.Context, partition models.Partition, stateStore store.StateStore) (bool, error) {
	for _, name := range g.order {
		state, err := stateStore.GetStatus(ctx, name, partition)
		if err != nil {
			return false, fmt.Errorf("failed to get status of task %s partition %s: %w", name, partition, err)
		}

		if !state.Status.Terminal() {
			// A pending task whose dependency is blocked will never
			// become ready; treat it as settled for this partition.
			if state.Status == models.RunStatusPending && len(state.Attempts) == 0 {
				blocked, err := g.upstreamBlocked(ctx, name, partition, stateStore)
				if err != nil {
					return false, err
				}

				if blocked {
					continue
				}
			}

			return false, nil
		}
	}

	return true, nil
}

// upstreamBlocked reports whether any transitive dependency of the task is
// blocked for the partition.
func (g *Graph) upstreamBlocked(ctx context.Context, name string, partition models.Partition, stateStore store.StateStore) (bool, error) {
	for _, dep := range g.deps[name] {
		depState, err := stateStore.GetStatus(ctx, dep, partition)
		if err != nil {
			return false, fmt.Errorf("failed to get status of dependency %s partition %s: %w", dep, partition, err)
		}

		if depState.Status == models.RunStatusBlocked {
			return true, nil
		}

		blocked, err := g.upstreamBlocked(ctx, dep, partition, stateStore)
		if err != nil {
			return false, err
		}

		if blocked {
			return true, nil
		}
	}

	return false, nil
}
