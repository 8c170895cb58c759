package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/definition"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/web"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPort = 9091
	serviceName = "autoflow"
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the engine and the HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL: postgres://... or a file:// directory",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus for lifecycle and trigger events (none, gochannel, kafka)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for the kafka event bus and connector",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL; enables the queue connector",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "workflows",
				Usage:   "Directory of workflow files to register and activate on start",
				Sources: cli.EnvVars("WORKFLOWS_DIR"),
			},
			&cli.BoolFlag{
				Name:    "forward-triggers",
				Usage:   "Publish trigger events to the event bus instead of running them here",
				Sources: cli.EnvVars("FORWARD_TRIGGERS"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-runs",
				Usage:   "Runs executed at the same time by this process",
				Value:   engine.DefaultMaxConcurrentRuns,
				Sources: cli.EnvVars("MAX_CONCURRENT_RUNS"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often waiting runs are checked for an elapsed delay",
				Value:   workflow.DefaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "shutdown-timeout",
				Usage:   "How long executing runs may take to finish on shutdown",
				Value:   engine.DefaultShutdownTimeout,
				Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP (configured with OTEL_EXPORTER_OTLP_* variables)",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			setupLogging(command)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, command)
		},
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := log.WithModule("autoflow")

	logger.InfoContext(ctx, "Initializing Autoflow")

	config := engine.Config{
		MaxConcurrentRuns: int64(command.Int("max-concurrent-runs")),
		TickInterval:      command.Duration("tick-interval"),
		ShutdownTimeout:   command.Duration("shutdown-timeout"),
		ForwardTriggers:   command.Bool("forward-triggers"),
	}

	if command.Bool("tracing") {
		tracer, shutdown, err := otelhelper.NewTracerWithShutdown(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			err := shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		config.Tracer = tracer
	}

	connectors, err := cmd.NewConnectors(ctx, logger, cmd.ConnectorsConfig{
		PluginsPath:  command.String("plugins-path"),
		RedisURL:     command.String("redis-url"),
		KafkaBrokers: command.StringSlice("kafka-brokers"),
	})
	if err != nil {
		return err
	}

	defer func() {
		err := connectors.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close connectors", "error", err)
		}
	}()

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	if bus != nil {
		config.Bus = bus

		defer func() {
			err := bus.Close()
			if err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()
	}

	if config.ForwardTriggers && config.Bus == nil {
		return errors.New("--forward-triggers needs an event bus")
	}

	eng := engine.New(logger, store, connectors.Registry, config)

	err = eng.Start(ctx)
	if err != nil {
		return err
	}

	if dir := command.String("workflows"); dir != "" {
		err = loadWorkflows(ctx, logger, eng, dir)
		if err != nil {
			return errors.Join(err, eng.Stop(context.WithoutCancel(ctx)))
		}
	}

	handlers := web.NewAPIHandlers(eng, connectors.Webhook, validator.New(validator.WithRequiredStructEnabled()))
	app := web.NewApp(logger, handlers)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return eng.Run(groupCtx)
	})

	group.Go(func() error {
		return app.Listen(":" + strconv.Itoa(command.Int("port")))
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), config.ShutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "Autoflow stopped")

	return nil
}

// loadWorkflows registers and activates every workflow file in dir. Workflows
// already in the store keep their stored definition and are only activated.
func loadWorkflows(ctx context.Context, logger *slog.Logger, eng *engine.Engine, dir string) error {
	workflows, err := definition.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to load workflows from %s: %w", dir, err)
	}

	for _, wf := range workflows {
		_, err := eng.RegisterWorkflow(ctx, wf)
		if err != nil && !errors.Is(err, engine.ErrWorkflowExists) {
			return err
		}

		if errors.Is(err, engine.ErrWorkflowExists) {
			logger.InfoContext(ctx, "Workflow already registered", "workflow_id", wf.ID)
		}

		_, err = eng.Activate(ctx, wf.ID)
		if err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "Workflows loaded", "dir", dir, "count", len(workflows))

	return nil
}
