package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/queue"
	"github.com/dukex/maestro/pkg/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequeueReturnsOnlyDueJobs(t *testing.T) {
	q := memory.NewQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	due := queue.NewJob("start_node", models.NodeRef("a"), 0, now.Add(-time.Second))
	parked := queue.NewJob("start_node", models.NodeRef("b"), 0, now.Add(time.Hour))
	require.NoError(t, q.Enqueue(ctx, due))
	require.NoError(t, q.Enqueue(ctx, parked))

	jobs, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Deliveries)

	remaining := q.Pending()
	require.Len(t, remaining, 1)
	assert.Equal(t, parked.ID, remaining[0].ID)
}

func TestAckRemovesClaimedJob(t *testing.T) {
	q := memory.NewQueue()
	ctx := context.Background()

	job := queue.NewJob("start_node", models.NodeRef("a"), 0, time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, job))

	jobs, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Ack(ctx, jobs[0]))

	jobs, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestNackRequeuesWithDelay(t *testing.T) {
	q := memory.NewQueue()
	ctx := context.Background()

	job := queue.NewJob("start_node", models.NodeRef("a"), 0, time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, job))

	jobs, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Nack(ctx, jobs[0], time.Hour))

	// Delayed past now: not yet claimable, but still pending.
	jobs, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, q.Pending(), 1)
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q := memory.NewQueue()
	ctx := context.Background()

	require.NoError(t, q.Close(ctx))

	err := q.Enqueue(ctx, queue.NewJob("start_node", models.NodeRef("a"), 0, time.Now().UTC()))
	assert.ErrorIs(t, err, queue.ErrQueueClosed)

	_, err = q.Dequeue(ctx, 1)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}
