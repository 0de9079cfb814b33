package worker_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/otelhelper"
	"github.com/dukex/maestro/pkg/persistence/memory"
	"github.com/dukex/maestro/pkg/queue"
	qmemory "github.com/dukex/maestro/pkg/queue/memory"
	"github.com/dukex/maestro/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullGateway struct{}

func (nullGateway) PerformActivity(ctx context.Context, payload map[string]any, endpoint string) error {
	return nil
}

func (nullGateway) MakeDecision(ctx context.Context, payload map[string]any, endpoint string) error {
	return nil
}

func (nullGateway) Notify(ctx context.Context, payload map[string]any, endpoint string) error {
	return nil
}

func newDispatcher(t *testing.T, cfg config.Config) (*worker.Dispatcher, *qmemory.Queue) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := memory.NewPersistence()
	jobQueue := qmemory.NewQueue()
	server := engine.NewServer(cfg, logger, store, jobQueue, nullGateway{}, nil)

	return worker.NewDispatcher(cfg, logger, server, jobQueue, otelhelper.NoopTracer()), jobQueue
}

func TestPerformDropsUnroutableJob(t *testing.T) {
	dispatcher, jobQueue := newDispatcher(t, config.Config{MaxDeliveries: 3})
	ctx := context.Background()

	job := queue.NewJob("no_such_event", models.NodeRef("node-1"), 0, time.Now().UTC())
	require.NoError(t, jobQueue.Enqueue(ctx, job))

	jobs, err := jobQueue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	dispatcher.Perform(ctx, jobs[0])

	assert.Empty(t, jobQueue.Pending(), "unroutable jobs are acked away, not redelivered")
}

func TestPerformRedeliversWhenTargetMissing(t *testing.T) {
	dispatcher, jobQueue := newDispatcher(t, config.Config{MaxDeliveries: 3})
	ctx := context.Background()

	// The node does not exist yet: rehydration failure goes on the
	// infrastructure redelivery budget, not the business retry budget.
	job := queue.NewJob(string(engine.EventStartNode), models.NodeRef("not-yet-visible"), 2, time.Now().UTC())
	require.NoError(t, jobQueue.Enqueue(ctx, job))

	jobs, err := jobQueue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	dispatcher.Perform(ctx, jobs[0])

	pending := jobQueue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Deliveries)
	assert.Equal(t, 2, pending[0].RetriesRemaining, "business budget untouched")
}

func TestPerformDropsJobAfterDeliveryBudget(t *testing.T) {
	dispatcher, jobQueue := newDispatcher(t, config.Config{MaxDeliveries: 2})
	ctx := context.Background()

	job := queue.NewJob(string(engine.EventStartNode), models.NodeRef("never-created"), 0, time.Now().UTC())
	require.NoError(t, jobQueue.Enqueue(ctx, job))

	for range 2 {
		jobs, err := jobQueue.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		dispatcher.Perform(ctx, jobs[0])
	}

	assert.Empty(t, jobQueue.Pending(), "job dropped once the delivery budget is spent")
}
