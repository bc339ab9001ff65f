// Package main provides the standalone read-mostly status API. It serves
// run status, blocked-key listing and operator resets straight from the
// state store; endpoints that act on the live scheduler (backfill,
// cancel) are only available on the controller's embedded API.
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/cmd"
	"github.com/wattflow/wattflow/pkg/log"
	"github.com/wattflow/wattflow/pkg/pipeline"
	"github.com/wattflow/wattflow/pkg/web"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "wattflow-api",
		Usage:                 "Serve pipeline run status over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "State store URL (postgres://... or a file-store directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "pipeline",
				Usage:   "Path to the pipeline definition file",
				Value:   "./pipeline.json",
				Sources: cli.EnvVars("WATTFLOW_PIPELINE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing wattflow status API")

			p, err := pipeline.Load(command.String("pipeline"))
			if err != nil {
				return err
			}

			stateStore, err := cmd.NewStateStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := stateStore.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close state store", "error", err)
				}
			}()

			app := fiber.New()
			app.Use(cors.New())
			app.Use(fiberlogger.New(fiberlogger.Config{
				DisableColors: true,
			}))

			web.NewAPIHandlers(stateStore, nil, p).Register(app)

			return app.Listen(":" + strconv.Itoa(command.Int("port")))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
