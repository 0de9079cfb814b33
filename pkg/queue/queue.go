// Package queue defines the durable job queue abstraction the engine
// schedules asynchronous events through: enqueue a (event, node reference)
// pair to run at-or-after a time, with at-least-once delivery and a
// bounded number of infrastructure-level redeliveries distinct from the
// engine's business retries.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrQueueClosed indicates the queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// Job is one scheduled event delivery. Jobs carry a Ref, never a full
// node, so workers always rehydrate fresh state.
type Job struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	Ref              models.Ref `json:"ref"`
	RetriesRemaining int        `json:"retries_remaining"` // business retry budget
	RunAt            time.Time  `json:"run_at"`
	Deliveries       int        `json:"deliveries"` // infra-level delivery count
	CreatedAt        time.Time  `json:"created_at"`
}

func NewJob(eventID string, ref models.Ref, retries int, runAt time.Time) *Job {
	return &Job{
		ID:               uuid.New().String(),
		EventID:          eventID,
		Ref:              ref,
		RetriesRemaining: retries,
		RunAt:            runAt,
		CreatedAt:        time.Now().UTC(),
	}
}

// Queue is the durable scheduling collaborator.
type Queue interface {
	// Enqueue schedules the job to run no earlier than job.RunAt.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims up to limit due jobs. Claimed jobs are invisible to
	// other consumers until Ack or Nack; delivery is at-least-once.
	Dequeue(ctx context.Context, limit int) ([]*Job, error)

	// Ack removes a claimed job permanently.
	Ack(ctx context.Context, job *Job) error

	// Nack returns a claimed job to the queue after delay, incrementing
	// its delivery count. Used for transient infrastructure failures.
	Nack(ctx context.Context, job *Job, delay time.Duration) error

	Close(ctx context.Context) error
}
