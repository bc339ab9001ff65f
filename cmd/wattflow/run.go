package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"

	"github.com/wattflow/wattflow/pkg/clock"
	"github.com/wattflow/wattflow/pkg/cmd"
	"github.com/wattflow/wattflow/pkg/dag"
	"github.com/wattflow/wattflow/pkg/lease"
	"github.com/wattflow/wattflow/pkg/log"
	"github.com/wattflow/wattflow/pkg/models"
	"github.com/wattflow/wattflow/pkg/otelhelper"
	"github.com/wattflow/wattflow/pkg/pipeline"
	"github.com/wattflow/wattflow/pkg/scheduler"
	"github.com/wattflow/wattflow/pkg/store"
	"github.com/wattflow/wattflow/pkg/web"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the pipeline controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "pipeline",
				Usage:    "Path to the pipeline definition file",
				Value:    "./pipeline.json",
				Sources:  cli.EnvVars("WATTFLOW_PIPELINE"),
				Required: false,
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "State store URL (postgres://... or a file-store directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Run lifecycle event bus (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the controller lease (disabled when empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Usage:   "Port for the operator HTTP API",
				Value:   9090,
				Sources: cli.EnvVars("API_PORT"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "Scheduling loop interval",
				Value:   scheduler.DefaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for run dispatch",
				Value:   false,
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runController,
	}
}

func runController(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("controller")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Load(command.String("pipeline"))
	if err != nil {
		return err
	}

	graph, err := dag.FromPipeline(p)
	if err != nil {
		return err
	}

	err = graph.Validate()
	if err != nil {
		return err
	}

	logger = logger.With("pipeline", p.Name)
	logger.InfoContext(ctx, "Pipeline definition loaded",
		"tasks", len(p.Tasks), "schedule", p.Schedule)

	stateStore, err := cmd.NewStateStore(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := stateStore.Close(context.Background())
		if err != nil {
			logger.Error("Failed to close state store", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if redisURL := command.String("redis-url"); redisURL != "" {
		controllerLease, err := acquireLease(ctx, redisURL, p.Name, logger)
		if err != nil {
			return err
		}

		defer func() {
			err := controllerLease.Release(context.Background())
			if err != nil {
				logger.Error("Failed to release controller lease", "error", err)
			}
		}()

		go func() {
			<-controllerLease.Lost()
			cancel()
		}()
	}

	partitionClock, err := clock.New(p.Schedule, p.LookBack, stateStore, logger)
	if err != nil {
		return err
	}

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	if eventBus != nil {
		defer func() {
			err := eventBus.Close()
			if err != nil {
				logger.Error("Failed to close event bus", "error", err)
			}
		}()
	}

	cfg := scheduler.Config{
		Pipeline:     p,
		Graph:        graph,
		Store:        stateStore,
		Clock:        partitionClock,
		Registry:     cmd.NewRegistry(logger),
		EventBus:     eventBus,
		Logger:       logger,
		TickInterval: command.Duration("tick-interval"),
	}

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "wattflow")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		cfg.Tracer = tracer
	}

	sched, err := scheduler.New(cfg)
	if err != nil {
		return err
	}

	app := newAPIServer(stateStore, sched, p)

	go func() {
		err := app.Listen(":" + strconv.Itoa(command.Int("api-port")))
		if err != nil {
			logger.Error("Operator API stopped", "error", err)
			cancel()
		}
	}()

	defer func() {
		err := app.ShutdownWithTimeout(5 * time.Second)
		if err != nil {
			logger.Error("Failed to shut down operator API", "error", err)
		}
	}()

	return sched.Start(ctx)
}

func acquireLease(ctx context.Context, redisURL, pipelineName string, logger *slog.Logger) (*lease.Lease, error) {
	client, err := lease.NewClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}

	controllerLease := lease.New(client, pipelineName, lease.DefaultTTL, logger)

	err = controllerLease.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return controllerLease, nil
}

func newAPIServer(stateStore store.StateStore, orchestrator web.Orchestrator, p *models.Pipeline) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	web.NewAPIHandlers(stateStore, orchestrator, p).Register(app)

	return app
}
