// Package memory provides an in-memory queue implementation for unit tests
// and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/maestro/pkg/queue"
)

type Queue struct {
	mu      sync.Mutex
	pending []*queue.Job
	claimed map[string]*queue.Job
	closed  bool
}

func NewQueue() *Queue {
	return &Queue{claimed: make(map[string]*queue.Job)}
}

func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrQueueClosed
	}

	q.pending = append(q.pending, job)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].RunAt.Before(q.pending[j].RunAt)
	})

	return nil
}

func (q *Queue) Dequeue(ctx context.Context, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrQueueClosed
	}

	now := time.Now().UTC()

	var (
		due  []*queue.Job
		rest []*queue.Job
	)

	for _, job := range q.pending {
		if len(due) < limit && !job.RunAt.After(now) {
			job.Deliveries++
			q.claimed[job.ID] = job
			due = append(due, job)

			continue
		}

		rest = append(rest, job)
	}

	q.pending = rest

	return due, nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, job.ID)

	return nil
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrQueueClosed
	}

	delete(q.claimed, job.ID)
	job.RunAt = time.Now().UTC().Add(delay)
	q.pending = append(q.pending, job)

	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

// Pending returns a snapshot of unclaimed jobs in RunAt order. Test helper.
func (q *Queue) Pending() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*queue.Job, len(q.pending))
	copy(jobs, q.pending)

	return jobs
}
