package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/queue"
)

// Manager polls the durable queue and fans claimed jobs out to the
// dispatcher. Multiple managers may run against the same queue; claims
// keep them from stepping on each other, and the processors' idempotency
// guards absorb the at-least-once overlap.
type Manager struct {
	id         string
	cfg        config.Config
	logger     *slog.Logger
	queue      queue.Queue
	dispatcher *Dispatcher
}

func NewManager(
	id string,
	cfg config.Config,
	logger *slog.Logger,
	jobQueue queue.Queue,
	dispatcher *Dispatcher,
) *Manager {
	return &Manager{
		id:         id,
		cfg:        cfg,
		logger:     logger.With("module", "worker", "worker_id", id),
		queue:      jobQueue,
		dispatcher: dispatcher,
	}
}

func (m *Manager) drainTimeout() time.Duration {
	if m.cfg.DrainTimeout > 0 {
		return m.cfg.DrainTimeout
	}

	return 30 * time.Second
}

// Start runs the poll loop until the context is cancelled. In-flight jobs
// finish before Start returns, each bounded by the drain timeout.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting worker",
		"poll_interval", m.cfg.PollInterval, "batch_size", m.cfg.DequeueBatchSize)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Shutting down worker, draining in-flight jobs")
			wg.Wait()
			m.logger.Info("Worker stopped")

			return nil
		case <-ticker.C:
			jobs, err := m.queue.Dequeue(ctx, m.cfg.DequeueBatchSize)
			if err != nil {
				m.logger.ErrorContext(ctx, "Failed to dequeue jobs", "error", err)

				continue
			}

			for _, job := range jobs {
				wg.Add(1)

				go func(job *queue.Job) {
					defer wg.Done()

					// Detached from the poll context so a claimed job can
					// finish (or Nack cleanly) during shutdown instead of
					// failing its store calls and burning a redelivery.
					jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.drainTimeout())
					defer cancel()

					m.dispatcher.Perform(jobCtx, job)
				}(job)
			}
		}
	}
}
