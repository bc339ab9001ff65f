package main

import (
	"context"
	"encoding/json"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/cmd"
	"github.com/wattflow/wattflow/pkg/log"
	"github.com/wattflow/wattflow/pkg/models"
)

// Exit codes let shell automation branch on partition state without
// parsing output.
const (
	exitCodeInProgress = 2
	exitCodeBlocked    = 3
)

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Aliases: []string{"s"},
		Usage:   "Report a task's state over a partition range",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "State store URL (postgres://... or a file-store directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "task",
				Usage:    "Task name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "partition",
				Usage:    "Partition key or inclusive range (e.g. 2025-01-01T14 or 2025-01-01T00..2025-01-01T05)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("status")

			partitions, err := models.ParsePartitionRange(command.String("partition"))
			if err != nil {
				return err
			}

			stateStore, err := cmd.NewStateStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() { _ = stateStore.Close(ctx) }()

			states := make([]*models.TaskState, 0, len(partitions.Partitions()))

			for _, partition := range partitions.Partitions() {
				state, err := stateStore.GetStatus(ctx, command.String("task"), partition)
				if err != nil {
					return err
				}

				states = append(states, state)
			}

			output, err := json.MarshalIndent(states, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(output))

			switch aggregate := models.AggregateStatus(states); {
			case aggregate.Satisfies():
				return nil
			case aggregate == models.RunStatusBlocked:
				return cli.Exit("", exitCodeBlocked)
			default:
				return cli.Exit("", exitCodeInProgress)
			}
		},
	}
}
