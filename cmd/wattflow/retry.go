package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/cmd"
	"github.com/wattflow/wattflow/pkg/log"
	"github.com/wattflow/wattflow/pkg/models"
)

func NewRetryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Reset a blocked (task, partition) key to pending with a fresh retry budget",
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
				Usage:    "Partition key (e.g. 2025-01-01T14)",
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
			logger := log.WithModule("retry")

			taskName := command.String("task")

			partition, err := models.ParsePartition(command.String("partition"))
			if err != nil {
				return err
			}

			stateStore, err := cmd.NewStateStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() { _ = stateStore.Close(ctx) }()

			err = stateStore.ResetBlocked(ctx, taskName, partition)
			if err != nil {
				return err
			}

			// The running controller rediscovers the pending key on its
			// next rescan.
			fmt.Printf("task %s partition %s reset to pending\n", taskName, partition.String())

			return nil
		},
	}
}
