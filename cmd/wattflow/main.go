// Package main provides the wattflow pipeline controller CLI.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "wattflow",
		Usage:                 "Single-controller DAG orchestrator for grid-load data pipelines",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewStatusCommand(),
			NewRetryCommand(),
			NewBackfillCommand(),
			NewValidateCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
