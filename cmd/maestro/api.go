package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger *slog.Logger
	server *engine.Server
	store  persistence.Persistence
}

func NewAPI(logger *slog.Logger, server *engine.Server, store persistence.Persistence) *API {
	return &API{
		logger: logger,
		server: server,
		store:  store,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewHandlers(a.logger, a.server, a.store)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Maestro API")
	})

	u := app.Group("/users")
	u.Post("/", handlers.CreateUser)
	u.Get("/:id", handlers.GetUser)
	u.Put("/:id/endpoints", handlers.RotateUserEndpoints)

	w := app.Group("/workflows")
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Get("/:id/nodes", handlers.GetWorkflowNodes)
	w.Post("/:id/signal", handlers.Signal)
	w.Post("/:id/pause", handlers.PauseWorkflow)
	w.Post("/:id/resume", handlers.ResumeWorkflow)

	n := app.Group("/nodes")
	n.Get("/:id", handlers.GetNode)
	n.Get("/:id/status_changes", handlers.GetNodeStatusChanges)
	n.Post("/:id/children", handlers.CreateChildNode)
	n.Post("/:id/status", handlers.UpdateNodeStatus)
	n.Post("/:id/retry", handlers.RetryNode)
	n.Post("/:id/reset", handlers.ResetNode)
	n.Post("/:id/cancel", handlers.CancelNode)
	n.Post("/:id/deactivate_previous", handlers.DeactivatePreviousNodes)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(port))
}
