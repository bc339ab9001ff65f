package main

import (
	"context"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/dag"
	"github.com/wattflow/wattflow/pkg/pipeline"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a pipeline definition file without starting the controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "pipeline",
				Usage:   "Path to the pipeline definition file",
				Value:   "./pipeline.json",
				Sources: cli.EnvVars("WATTFLOW_PIPELINE"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.String("pipeline")

			p, err := pipeline.Load(path)
			if err != nil {
				return fmt.Errorf("pipeline definition %s is invalid: %w", path, err)
			}

			graph, err := dag.FromPipeline(p)
			if err != nil {
				return err
			}

			err = graph.Validate()
			if err != nil {
				return err
			}

			fmt.Printf("pipeline %q is valid\n", p.Name)
			fmt.Printf("  schedule: %s\n", p.Schedule)
			fmt.Printf("  execution order: %s\n", strings.Join(graph.TopologicalOrder(), " -> "))

			for _, task := range p.Tasks {
				fmt.Printf("  task %s: executor=%s max_attempts=%d\n",
					task.Name, task.Executor, task.Retry.MaxAttempts)
			}

			return nil
		},
	}
}
