package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/nurture/pkg/cmd"
	"github.com/dukex/nurture/pkg/config"
	"github.com/dukex/nurture/pkg/delivery"
	"github.com/dukex/nurture/pkg/engine"
	"github.com/dukex/nurture/pkg/log"
	"github.com/dukex/nurture/pkg/metrics"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/templates"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the trigger manager, the execution engine and the admin API",
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
				Usage:    "Persistence URL (file://path or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "event-queue-url",
				Usage:   "Ingestion queue URL (memory:// or redis://host:port/db)",
				Value:   "memory://",
				Sources: cli.EnvVars("EVENT_QUEUE_URL"),
			},
			&cli.IntFlag{
				Name:    "event-queue-shards",
				Usage:   "Number of ingestion queue shards, one consumer each",
				Value:   4,
				Sources: cli.EnvVars("EVENT_QUEUE_SHARDS"),
			},
			&cli.StringFlag{
				Name:    "delivery-provider",
				Usage:   "Message delivery (log, smtp, amqp)",
				Value:   "log",
				Sources: cli.EnvVars("DELIVERY_PROVIDER"),
			},
			&cli.StringFlag{
				Name:    "smtp-host",
				Sources: cli.EnvVars("SMTP_HOST"),
			},
			&cli.IntFlag{
				Name:    "smtp-port",
				Value:   587,
				Sources: cli.EnvVars("SMTP_PORT"),
			},
			&cli.StringFlag{
				Name:    "smtp-username",
				Sources: cli.EnvVars("SMTP_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "smtp-password",
				Sources: cli.EnvVars("SMTP_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "smtp-from",
				Sources: cli.EnvVars("SMTP_FROM"),
			},
			&cli.StringFlag{
				Name:    "amqp-url",
				Sources: cli.EnvVars("AMQP_URL"),
			},
			&cli.StringFlag{
				Name:    "amqp-queue",
				Value:   "nurture.outbound",
				Sources: cli.EnvVars("AMQP_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "JSON or YAML bundle of triggers and automations applied at startup",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "templates-path",
				Usage:   "Directory of <id>.json message templates",
				Sources: cli.EnvVars("TEMPLATES_PATH"),
			},
			&cli.StringFlag{
				Name:    "schemas-path",
				Usage:   "Directory of <event type>.json payload schemas",
				Sources: cli.EnvVars("SCHEMAS_PATH"),
			},
			&cli.StringFlag{
				Name:    "subjects-path",
				Usage:   "JSON file seeding the in-memory contact store (file persistence only)",
				Sources: cli.EnvVars("SUBJECTS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Value:   time.Minute,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Value:   time.Second,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Executions processed concurrently per tick",
				Value:   10,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Executions taken from the ready queue per tick",
				Value:   100,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("nurture")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command.Bool("otel") {
		shutdown, err := otelhelper.Setup(ctx, "nurture")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	logger.InfoContext(ctx, "Initializing Nurture")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	if path := command.String("definitions"); path != "" {
		defs, err := config.Load(path)
		if err != nil {
			return err
		}

		if err := defs.Apply(ctx, store); err != nil {
			return err
		}

		logger.InfoContext(ctx, "Applied definitions",
			"triggers", len(defs.Triggers),
			"automations", len(defs.Automations))
	}

	subjectStore, err := cmd.NewSubjectStore(store, command.String("subjects-path"))
	if err != nil {
		return err
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	eventQueue, err := cmd.NewEventQueue(ctx, logger, command.String("event-queue-url"), command.Int("event-queue-shards"))
	if err != nil {
		return err
	}

	defer func() {
		if err := eventQueue.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event queue", "error", err)
		}
	}()

	deliverer, closer, err := cmd.NewDeliverer(logger, cmd.DeliveryConfig{
		Provider: command.String("delivery-provider"),
		SMTP: delivery.SMTPConfig{
			Host:     command.String("smtp-host"),
			Port:     command.Int("smtp-port"),
			Username: command.String("smtp-username"),
			Password: command.String("smtp-password"),
			From:     command.String("smtp-from"),
		},
		AMQPURL:   command.String("amqp-url"),
		AMQPQueue: command.String("amqp-queue"),
	})
	if err != nil {
		return err
	}

	defer func() { _ = closer.Close() }()

	var templateStore templates.Store = templates.NewMemoryStore()
	if path := command.String("templates-path"); path != "" {
		templateStore = templates.NewDirStore(path)
	}

	recorder := metrics.NewRecorder(logger, store.AutomationRepository())
	if err := recorder.Register(eventBus); err != nil {
		return err
	}

	sink := metrics.NewBusSink(eventBus)
	workers := command.Int("workers")

	dispatcher := engine.NewDispatcher(logger, deliverer, sink, engine.WithWorkers(workers, workers*32))
	executions := engine.New(logger, store, subjectStore, templates.NewRenderer(templateStore), dispatcher, sink,
		engine.WithBatchSize(command.Int("batch-size")),
		engine.WithConcurrency(workers),
		engine.WithTickInterval(command.Duration("tick-interval")),
	)

	if err := executions.RegisterDefinitionEvents(eventBus); err != nil {
		return err
	}

	schemas := triggers.NewSchemas()
	if path := command.String("schemas-path"); path != "" {
		n, err := schemas.LoadDir(path)
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "Loaded event schemas", "count", n)
	}

	manager := triggers.NewManager(logger, eventQueue, store, subjectStore, executions,
		triggers.WithSweepInterval(command.Duration("sweep-interval")),
		triggers.WithSchemas(schemas),
	)

	if err := manager.RegisterDefinitionEvents(eventBus); err != nil {
		return err
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return err
	}

	recovered, err := executions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover executions: %w", err)
	}

	logger.InfoContext(ctx, "Recovered executions", "count", recovered)

	if err := executions.Start(ctx); err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		return err
	}

	api := NewAPI(logger, store, eventBus, manager, executions)

	logger.InfoContext(ctx, "Serving admin API", "port", command.Int("port"))

	serveErr := api.Serve(ctx, command.Int("port"))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	stopErr := errors.Join(manager.Stop(stopCtx), executions.Stop(stopCtx))

	logger.InfoContext(ctx, "Nurture stopped")

	return errors.Join(serveErr, stopErr)
}
