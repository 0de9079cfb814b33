package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/client"
	"github.com/dukex/maestro/pkg/cmd"
	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/eventbus"
	"github.com/dukex/maestro/pkg/heal"
	"github.com/dukex/maestro/pkg/log"
	"github.com/dukex/maestro/pkg/otelhelper"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/queue"
	"github.com/dukex/maestro/pkg/worker"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// app holds the shared wiring every maestro role starts from.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  persistence.Persistence
	queue  queue.Queue
	bus    eventbus.EventBus
	server *engine.Server
}

func bootstrap(ctx context.Context, module string) (*app, func(), error) {
	cfg := config.FromEnv()
	log.Setup(cfg.LogLevel)
	logger := log.WithModule(module)

	store, err := cmd.NewPersistence(ctx, logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	jobQueue, err := cmd.NewQueue(ctx, logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	bus, err := cmd.NewEventBus(logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	gateway := client.NewHTTPGateway(logger, cfg.ClientTimeout)
	server := engine.NewServer(cfg, logger, store, jobQueue, gateway, bus)

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := bus.Close()
		if err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}

		err = jobQueue.Close(closeCtx)
		if err != nil {
			logger.Error("Failed to close queue", "error", err)
		}

		err = store.Close(closeCtx)
		if err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		queue:  jobQueue,
		bus:    bus,
		server: server,
	}, cleanup, nil
}

func runAPI(ctx context.Context) error {
	a, cleanup, err := bootstrap(ctx, "api")
	if err != nil {
		return err
	}
	defer cleanup()

	a.logger.InfoContext(ctx, "Initializing Maestro API", "port", a.cfg.HTTPPort)

	api := NewAPI(a.logger, a.server, a.store)

	return api.Start(ctx, a.cfg.HTTPPort)
}

func runWorker(ctx context.Context, workerID string) error {
	a, cleanup, err := bootstrap(ctx, "worker")
	if err != nil {
		return err
	}
	defer cleanup()

	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	tracer, err := otelhelper.NewTracer(ctx, "maestro-worker")
	if err != nil {
		a.logger.WarnContext(ctx, "Tracing disabled", "error", err)

		tracer = otelhelper.NoopTracer()
	}

	err = startAuditLog(ctx, a.logger, a.bus)
	if err != nil {
		return fmt.Errorf("failed to start audit subscriber: %w", err)
	}

	dispatcher := worker.NewDispatcher(a.cfg, a.logger, a.server, a.queue, tracer)
	manager := worker.NewManager(workerID, a.cfg, a.logger, a.queue, dispatcher)

	return manager.Start(ctx)
}

func runHeal(ctx context.Context) error {
	a, cleanup, err := bootstrap(ctx, "heal")
	if err != nil {
		return err
	}
	defer cleanup()

	sweeper := heal.NewSweeper(a.logger, a.store, a.server)

	err = sweeper.Start(ctx, a.cfg.HealSchedule)
	if err != nil {
		return err
	}

	<-ctx.Done()
	sweeper.Stop()

	return nil
}

func runSweepOnce(ctx context.Context) error {
	a, cleanup, err := bootstrap(ctx, "heal")
	if err != nil {
		return err
	}
	defer cleanup()

	return heal.NewSweeper(a.logger, a.store, a.server).Run(ctx, time.Now().UTC())
}
