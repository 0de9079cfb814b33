// Package cmd wires configuration to concrete providers for the binaries:
// persistence backend, job queue, and lifecycle event bus.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/maestro/pkg/channels/gochannel"
	"github.com/dukex/maestro/pkg/channels/kafka"
	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/eventbus"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/persistence/memory"
	"github.com/dukex/maestro/pkg/persistence/postgresql"
	"github.com/dukex/maestro/pkg/queue"
	qmemory "github.com/dukex/maestro/pkg/queue/memory"
	qpostgres "github.com/dukex/maestro/pkg/queue/postgres"
	qredis "github.com/dukex/maestro/pkg/queue/redis"
)

// NewPersistence selects the store backend from the database URL. An
// empty URL yields the in-memory store for local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, cfg config.Config) (persistence.Persistence, error) {
	if cfg.DatabaseURL == "" {
		logger.WarnContext(ctx, "No database URL configured, using in-memory persistence")

		return memory.NewPersistence(), nil
	}

	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return nil, fmt.Errorf("unsupported database URL scheme: %s", cfg.DatabaseURL)
	}

	return postgresql.NewPersistence(ctx, logger, cfg.DatabaseURL)
}

// NewQueue selects the durable job queue backend.
func NewQueue(ctx context.Context, logger *slog.Logger, cfg config.Config) (queue.Queue, error) {
	switch cfg.QueueProvider {
	case "postgres":
		return qpostgres.NewQueue(ctx, logger, cfg.DatabaseURL)
	case "redis":
		return qredis.NewQueue(ctx, logger, cfg.RedisURL)
	case "memory":
		logger.WarnContext(ctx, "Using in-memory queue, jobs will not survive restarts")

		return qmemory.NewQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported queue provider: %s", cfg.QueueProvider)
	}
}

// NewEventBus selects the lifecycle event bus channel.
func NewEventBus(logger *slog.Logger, cfg config.Config) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.EventBusProvider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, cfg.KafkaBrokers, "maestro")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", cfg.EventBusProvider)
	}
}
