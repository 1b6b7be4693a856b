// Package main provides the nurture binary: the automation runtime and its
// admin API.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	tracker     web.EventTracker
	controller  services.ExecutionController
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventPublisher,
	tracker web.EventTracker,
	controller services.ExecutionController,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		tracker:     tracker,
		controller:  controller,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	triggerService := services.NewTrigger(a.logger, a.persistence, a.eventBus)
	automationService := services.NewAutomation(a.logger, a.persistence, a.eventBus)
	executionService := services.NewExecution(a.persistence.ExecutionRepository(), a.controller)

	handlers := web.NewAPIHandlers(triggerService, automationService, executionService, a.tracker, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Nurture API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/stats", handlers.GetStats)
	app.Post("/events", handlers.TrackEvent)

	t := app.Group("/triggers")
	t.Get("/", handlers.GetTriggers)
	t.Post("/", handlers.CreateTrigger)
	t.Get("/:id", handlers.GetTrigger)
	t.Patch("/:id", handlers.UpdateTrigger)
	t.Delete("/:id", handlers.DeleteTrigger)
	t.Post("/:id/pause", handlers.PauseTrigger)
	t.Post("/:id/resume", handlers.ResumeTrigger)

	au := app.Group("/automations")
	au.Get("/", handlers.GetAutomations)
	au.Post("/", handlers.CreateAutomation)
	au.Get("/:id", handlers.GetAutomation)
	au.Patch("/:id", handlers.UpdateAutomation)
	au.Delete("/:id", handlers.DeleteAutomation)
	au.Post("/:id/pause", handlers.PauseAutomation)
	au.Post("/:id/resume", handlers.ResumeAutomation)
	au.Get("/:id/metrics", handlers.GetAutomationMetrics)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/pause", handlers.PauseExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)

	return app
}

// Serve listens on port until ctx is done, then shuts the server down.
func (a *API) Serve(ctx context.Context, port int) error {
	app := a.App()
	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return app.ShutdownWithContext(shutdownCtx)
}
