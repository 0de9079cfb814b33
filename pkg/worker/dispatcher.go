// Package worker executes queued events: rehydrate the node, run the
// processor under instrumentation, and route failures into the business
// retry/backoff policy or the infrastructure redelivery path.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Dispatcher struct {
	cfg    config.Config
	logger *slog.Logger
	server *engine.Server
	queue  queue.Queue
	tracer trace.Tracer
}

func NewDispatcher(
	cfg config.Config,
	logger *slog.Logger,
	server *engine.Server,
	jobQueue queue.Queue,
	tracer trace.Tracer,
) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("module", "dispatcher"),
		server: server,
		queue:  jobQueue,
		tracer: tracer,
	}
}

// Perform executes one claimed job. Delivery is at-least-once: processors
// with externally visible effects carry their own idempotency guards.
func (d *Dispatcher) Perform(ctx context.Context, job *queue.Job) {
	logger := d.logger.With(
		"event", job.EventID,
		"ref", job.Ref.String(),
		"job_id", job.ID,
		"deliveries", job.Deliveries,
	)

	event, err := engine.EventByID(job.EventID)
	if err != nil {
		// Unroutable job: nothing a redelivery could fix.
		logger.ErrorContext(ctx, "Dropping job with unknown event", "error", err)
		d.ack(ctx, job, logger)

		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.perform",
		trace.WithAttributes(
			attribute.String("maestro.event", job.EventID),
			attribute.String("maestro.ref", job.Ref.String()),
		))
	defer span.End()

	logger.InfoContext(ctx, "Processing event")

	start := time.Now()
	err = d.server.Process(ctx, event, job.Ref)
	duration := time.Since(start)

	if err == nil {
		logger.InfoContext(ctx, "Event processed", "duration", duration)
		d.ack(ctx, job, logger)

		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if persistence.IsNotFound(err) {
		// Rehydration failed: treat as transient infrastructure trouble
		// (replica lag, store hiccup) and redeliver on the infra budget
		// rather than burning business retries.
		d.redeliver(ctx, job, err, logger)

		return
	}

	logger.ErrorContext(ctx, "Event processing failed", "duration", duration, "error", err)

	if job.RetriesRemaining > 0 {
		retry := queue.NewJob(job.EventID, job.Ref, job.RetriesRemaining-1,
			time.Now().UTC().Add(d.cfg.BackoffDelay))

		enqueueErr := d.queue.Enqueue(ctx, retry)
		if enqueueErr != nil {
			logger.ErrorContext(ctx, "Failed to schedule retry, redelivering", "error", enqueueErr)
			d.redeliver(ctx, job, enqueueErr, logger)

			return
		}

		logger.InfoContext(ctx, "Retry scheduled", "retries_remaining", retry.RetriesRemaining, "run_at", retry.RunAt)
		d.ack(ctx, job, logger)

		return
	}

	// Business retry budget exhausted: terminal error state plus exactly
	// one notification to the external actor.
	forceErr := d.server.ForceError(ctx, job.Ref, err)
	if forceErr != nil {
		logger.ErrorContext(ctx, "Failed to force node into errored state", "error", forceErr)
		d.redeliver(ctx, job, forceErr, logger)

		return
	}

	d.ack(ctx, job, logger)
}

func (d *Dispatcher) ack(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	err := d.queue.Ack(ctx, job)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to ack job", "error", err)
	}
}

// redeliver returns the job to the queue on the infrastructure budget,
// which is distinct from (and larger than) the business retry budget.
func (d *Dispatcher) redeliver(ctx context.Context, job *queue.Job, cause error, logger *slog.Logger) {
	if job.Deliveries >= d.cfg.MaxDeliveries {
		logger.ErrorContext(ctx, "Delivery budget exhausted, dropping job", "error", cause)
		d.ack(ctx, job, logger)

		return
	}

	err := d.queue.Nack(ctx, job, d.cfg.InfraRedeliveryDelay)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to nack job", "error", err)
	}
}
