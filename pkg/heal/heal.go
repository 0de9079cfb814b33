// Package heal reconciles nodes whose client-response deadline elapsed
// without a callback. No per-node timer exists while work is in flight;
// this periodic sweep is the system's timeout detection.
package heal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/robfig/cron/v3"
)

type Sweeper struct {
	logger *slog.Logger
	store  persistence.Persistence
	server *engine.Server
	cron   *cron.Cron
}

func NewSweeper(logger *slog.Logger, store persistence.Persistence, server *engine.Server) *Sweeper {
	return &Sweeper{
		logger: logger.With("module", "heal"),
		store:  store,
		server: server,
	}
}

// Run performs one sweep at the given time: every expired node still
// waiting on the client gets exactly one synthesized ClientError; expired
// nodes in any other state are logged as unexpected and left untouched.
func (s *Sweeper) Run(ctx context.Context, now time.Time) error {
	expired, err := s.store.Nodes().Expired(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query expired nodes: %w", err)
	}

	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "Healing expired nodes", "count", len(expired))
	}

	for _, node := range expired {
		logger := s.logger.With(
			"node_id", node.ID,
			"workflow_id", node.WorkflowID,
			"server_status", node.CurrentServerStatus,
			"client_status", node.CurrentClientStatus,
			"complete_by", node.Detail.CompleteBy,
		)

		switch node.CurrentServerStatus {
		case models.ServerStatusSentToClient, models.ServerStatusReceivedFromClient:
			logger.InfoContext(ctx, "Client response deadline elapsed, erroring node")

			err = s.server.FireEvent(ctx, engine.EventClientError, node.Ref())
			if err != nil {
				// Keep sweeping; the node stays expired and the next run
				// picks it up again.
				logger.ErrorContext(ctx, "Failed to error expired node", "error", err)
			}
		default:
			logger.WarnContext(ctx, "Node expired in unexpected state, leaving untouched")
		}
	}

	return nil
}

// Start schedules the sweep on the given cron expression and runs it
// until Stop is called.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.cron = cron.New()

	_, err := s.cron.AddFunc(schedule, func() {
		runErr := s.Run(ctx, time.Now().UTC())
		if runErr != nil {
			s.logger.ErrorContext(ctx, "Heal sweep failed", "error", runErr)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid heal schedule %q: %w", schedule, err)
	}

	s.logger.InfoContext(ctx, "Starting heal sweep", "schedule", schedule)
	s.cron.Start()

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
