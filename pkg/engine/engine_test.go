package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/engine"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/otelhelper"
	"github.com/dukex/maestro/pkg/persistence/memory"
	qmemory "github.com/dukex/maestro/pkg/queue/memory"
	"github.com/dukex/maestro/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu            sync.Mutex
	activities    []map[string]any
	decisions     []map[string]any
	notifications []map[string]any
	performErr    error
}

func (g *fakeGateway) PerformActivity(ctx context.Context, payload map[string]any, endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.performErr != nil {
		return g.performErr
	}

	g.activities = append(g.activities, payload)

	return nil
}

func (g *fakeGateway) MakeDecision(ctx context.Context, payload map[string]any, endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.performErr != nil {
		return g.performErr
	}

	g.decisions = append(g.decisions, payload)

	return nil
}

func (g *fakeGateway) Notify(ctx context.Context, payload map[string]any, endpoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.notifications = append(g.notifications, payload)

	return nil
}

func (g *fakeGateway) activityCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.activities)
}

func (g *fakeGateway) notificationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.notifications)
}

type harness struct {
	cfg        config.Config
	store      *memory.Persistence
	queue      *qmemory.Queue
	gateway    *fakeGateway
	server     *engine.Server
	dispatcher *worker.Dispatcher
	user       *models.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Config{
		BackoffDelay:         0,
		InfraRedeliveryDelay: 0,
		MaxDeliveries:        5,
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := memory.NewPersistence()
	jobQueue := qmemory.NewQueue()
	gateway := &fakeGateway{}

	server := engine.NewServer(cfg, logger, store, jobQueue, gateway, nil)
	dispatcher := worker.NewDispatcher(cfg, logger, server, jobQueue, otelhelper.NoopTracer())

	user := models.NewUser(models.UserAttrs{
		DecisionEndpoint:     "http://client/decisions",
		ActivityEndpoint:     "http://client/activities",
		NotificationEndpoint: "http://client/notifications",
	})
	require.NoError(t, store.Users().Create(context.Background(), user))

	return &harness{
		cfg:        cfg,
		store:      store,
		queue:      jobQueue,
		gateway:    gateway,
		server:     server,
		dispatcher: dispatcher,
		user:       user,
	}
}

// drain runs queued jobs until the queue is empty, like the worker pool
// would, but deterministically on the test goroutine.
func (h *harness) drain(t *testing.T) {
	t.Helper()

	ctx := context.Background()

	for range 200 {
		jobs, err := h.queue.Dequeue(ctx, 100)
		require.NoError(t, err)

		if len(jobs) == 0 {
			return
		}

		for _, job := range jobs {
			h.dispatcher.Perform(ctx, job)
		}
	}

	t.Fatal("queue did not drain")
}

func (h *harness) createWorkflow(t *testing.T) *models.Workflow {
	t.Helper()

	workflow, err := h.server.CreateWorkflow(context.Background(), h.user, models.WorkflowAttrs{
		Name:    "order-fulfillment",
		Decider: "order-decider",
		Subject: map[string]any{"order_id": "order-123"},
	})
	require.NoError(t, err)

	return workflow
}

func (h *harness) node(t *testing.T, id string) *models.Node {
	t.Helper()

	node, err := h.store.Nodes().NodeByID(context.Background(), id)
	require.NoError(t, err)

	return node
}

func zero() *int { v := 0; return &v }
func one() *int { v := 1; return &v }

func noInterval() *time.Duration { v := time.Duration(0); return &v }

func signalAttrs(name string, mode models.NodeMode) models.NodeAttrs {
	return models.NodeAttrs{
		Name:          name,
		Kind:          models.NodeKindSignal,
		Mode:          mode,
		RetryInterval: noInterval(),
	}
}

func TestCreateWorkflowIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.createWorkflow(t)
	second := h.createWorkflow(t)

	assert.Equal(t, first.ID, second.ID)
}

func TestSignalSchedulesAndDispatchesNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("process-order", models.NodeModeBlocking))
	require.NoError(t, err)

	// MarkChildrenReady and ChildrenReady ran inline; the tree walk and
	// the dispatch itself went through the queue.
	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusReady, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusReady, node.CurrentClientStatus)

	h.drain(t)

	node = h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusSentToClient, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusReceived, node.CurrentClientStatus)
	assert.Equal(t, 1, h.gateway.activityCount())
}

func TestStartNodeIsIdempotentUnderDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("process-order", models.NodeModeBlocking))
	require.NoError(t, err)

	h.drain(t)
	require.Equal(t, 1, h.gateway.activityCount())

	// Duplicate delivery of the same StartNode job.
	err = h.server.Process(ctx, engine.EventStartNode, signal.Ref())
	require.NoError(t, err)

	assert.Equal(t, 1, h.gateway.activityCount(), "duplicate delivery must not re-dispatch")
}

func TestBlockingChildGatesLaterSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	a, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("a", models.NodeModeBlocking))
	require.NoError(t, err)
	b, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("b", models.NodeModeBlocking))
	require.NoError(t, err)
	c, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("c", models.NodeModeNonBlocking))
	require.NoError(t, err)

	require.NoError(t, h.server.Process(ctx, engine.EventMarkChildrenReady, workflow.Ref()))
	h.drain(t)

	assert.Equal(t, models.ServerStatusSentToClient, h.node(t, a.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusReady, h.node(t, b.ID).CurrentServerStatus, "b waits for blocking a")
	assert.Equal(t, models.ServerStatusReady, h.node(t, c.ID).CurrentServerStatus, "c waits behind blocking a")

	// A completes: the walk resumes and starts b, which again gates c.
	require.NoError(t, h.server.Process(ctx, engine.EventClientComplete, a.Ref()))
	h.drain(t)

	assert.Equal(t, models.ServerStatusComplete, h.node(t, a.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusSentToClient, h.node(t, b.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusReady, h.node(t, c.ID).CurrentServerStatus)
}

func TestFanInCompletionPropagatesToRoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("root", models.NodeModeBlocking))
	require.NoError(t, err)
	h.drain(t)

	// Client completes the root signal: the (empty) subtree finishes and
	// completion propagates to the workflow.
	require.NoError(t, h.server.Process(ctx, engine.EventClientComplete, signal.Ref()))
	h.drain(t)

	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusComplete, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusComplete, node.CurrentClientStatus)

	stored, err := h.store.Workflows().WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.Complete)
}

func TestFireAndForgetChildDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("root", models.NodeModeBlocking))
	require.NoError(t, err)
	h.drain(t)

	// The client attaches one blocking child and one fire_and_forget
	// child, then completes the root.
	blocking, err := h.server.AddNode(ctx, h.user, signal.Ref(), signalAttrs("child", models.NodeModeBlocking))
	require.NoError(t, err)
	faf, err := h.server.AddNode(ctx, h.user, signal.Ref(), signalAttrs("audit", models.NodeModeFireAndForget))
	require.NoError(t, err)

	require.NoError(t, h.server.Process(ctx, engine.EventClientComplete, signal.Ref()))
	h.drain(t)

	require.NoError(t, h.server.Process(ctx, engine.EventClientComplete, blocking.Ref()))
	h.drain(t)

	// The fire_and_forget child is still outstanding, but the subtree and
	// the workflow complete regardless.
	assert.NotEqual(t, models.ServerStatusComplete, h.node(t, faf.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusComplete, h.node(t, signal.ID).CurrentServerStatus)

	stored, err := h.store.Workflows().WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.Complete)
}

func TestClientErrorWithoutBudgetNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	attrs := signalAttrs("doomed", models.NodeModeBlocking)
	attrs.Retries = zero()

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, attrs)
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.server.Process(ctx, engine.EventClientError, signal.Ref()))
	h.drain(t)

	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusErrored, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusErrored, node.CurrentClientStatus)
	assert.Equal(t, 1, h.gateway.notificationCount())
	assert.Empty(t, h.queue.Pending(), "no further jobs for the dead node")
}

func TestClientErrorWithBudgetRetriesThroughParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	attrs := signalAttrs("flaky", models.NodeModeBlocking)
	attrs.Retries = one()

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, attrs)
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, 1, h.gateway.activityCount())

	require.NoError(t, h.server.Process(ctx, engine.EventClientError, signal.Ref()))
	h.drain(t)

	// RetryNode went errored -> retrying -> ready, the parent walk
	// restarted the node, and the client got a second dispatch.
	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusSentToClient, node.CurrentServerStatus)
	assert.Equal(t, 0, node.Detail.RetriesRemaining)
	assert.Equal(t, 2, h.gateway.activityCount())
	assert.Zero(t, h.gateway.notificationCount())
}

func TestDispatchFailureExhaustsBudgetWithSingleNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)
	h.gateway.performErr = errors.New("client endpoint down")

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("unreachable", models.NodeModeBlocking))
	require.NoError(t, err)
	h.drain(t)

	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusErrored, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusErrored, node.CurrentClientStatus)
	assert.Equal(t, 1, h.gateway.notificationCount(), "exactly one terminal notification")
}

func TestPausedWorkflowSuspendsScheduling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	require.NoError(t, h.server.PauseWorkflow(ctx, workflow.ID))

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("held", models.NodeModeBlocking))
	require.NoError(t, err)
	h.drain(t)

	node := h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusPending, node.CurrentServerStatus)
	assert.Zero(t, h.gateway.activityCount())

	require.NoError(t, h.server.ResumeWorkflow(ctx, workflow.ID))
	h.drain(t)

	node = h.node(t, signal.ID)
	assert.Equal(t, models.ServerStatusSentToClient, node.CurrentServerStatus)
	assert.Equal(t, 1, h.gateway.activityCount())
}

func TestFlagCompletesWithoutClientDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	attrs := signalAttrs("milestone", models.NodeModeBlocking)
	attrs.Kind = models.NodeKindFlag

	flag, err := h.server.Signal(ctx, workflow.ID, h.user, attrs)
	require.NoError(t, err)
	h.drain(t)

	node := h.node(t, flag.ID)
	assert.Equal(t, models.ServerStatusComplete, node.CurrentServerStatus)
	assert.Equal(t, models.ClientStatusComplete, node.CurrentClientStatus)
	assert.Zero(t, h.gateway.activityCount())

	stored, err := h.store.Workflows().WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, stored.Complete)
}

func TestCancelNodeUnblocksSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	a, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("a", models.NodeModeBlocking))
	require.NoError(t, err)
	b, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("b", models.NodeModeBlocking))
	require.NoError(t, err)

	require.NoError(t, h.server.Process(ctx, engine.EventMarkChildrenReady, workflow.Ref()))
	h.drain(t)

	require.Equal(t, models.ServerStatusReady, h.node(t, b.ID).CurrentServerStatus)

	require.NoError(t, h.server.Process(ctx, engine.EventCancelNode, a.Ref()))
	h.drain(t)

	assert.Equal(t, models.ServerStatusDeactivated, h.node(t, a.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusSentToClient, h.node(t, b.ID).CurrentServerStatus)
}

func TestDeactivatePreviousNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	old, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("old-decision", models.NodeModeBlocking))
	require.NoError(t, err)
	superseding, err := h.server.AddNode(ctx, h.user, workflow.Ref(), signalAttrs("new-decision", models.NodeModeBlocking))
	require.NoError(t, err)

	require.NoError(t, h.server.Process(ctx, engine.EventDeactivatePreviousNodes, superseding.Ref()))

	assert.Equal(t, models.ServerStatusDeactivated, h.node(t, old.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusPending, h.node(t, superseding.ID).CurrentServerStatus)
}

func TestResetNodeClearsSubtree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("root", models.NodeModeBlocking))
	require.NoError(t, err)
	h.drain(t)

	child, err := h.server.AddNode(ctx, h.user, signal.Ref(), signalAttrs("child", models.NodeModeBlocking))
	require.NoError(t, err)
	grandchild, err := h.server.AddNode(ctx, h.user, child.Ref(), signalAttrs("grandchild", models.NodeModeBlocking))
	require.NoError(t, err)

	require.NoError(t, h.server.Process(ctx, engine.EventResetNode, signal.Ref()))

	assert.Equal(t, models.ServerStatusDeactivated, h.node(t, child.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusDeactivated, h.node(t, grandchild.ID).CurrentServerStatus)
	assert.Equal(t, models.ServerStatusSentToClient, h.node(t, signal.ID).CurrentServerStatus, "reset clears children, not the node itself")
}

func TestFutureFiresAtDelaysDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	attrs := signalAttrs("tomorrow", models.NodeModeBlocking)
	attrs.Kind = models.NodeKindTimer
	attrs.FiresAt = time.Now().UTC().Add(24 * time.Hour)

	timer, err := h.server.Signal(ctx, workflow.ID, h.user, attrs)
	require.NoError(t, err)
	h.drain(t)

	// The walk started the timer, but its StartNode job is parked until
	// fires_at; nothing was dispatched.
	node := h.node(t, timer.ID)
	assert.Equal(t, models.ServerStatusStarted, node.CurrentServerStatus)
	assert.Zero(t, h.gateway.activityCount())

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, string(engine.EventStartNode), pending[0].EventID)
	assert.Equal(t, node.FiresAt, pending[0].RunAt)
}

func TestClientCallbackResponseRecordedOnAuditRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	workflow := h.createWorkflow(t)

	signal, err := h.server.Signal(ctx, workflow.ID, h.user, signalAttrs("process-order", models.NodeModeBlocking))
	require.NoError(t, err)

	h.drain(t)

	response := map[string]any{"result": "shipped", "tracking": "abc-123"}

	err = h.server.Process(ctx, engine.EventClientComplete, signal.Ref(), engine.WithResponse(response))
	require.NoError(t, err)

	changes, err := h.store.Nodes().StatusChanges(ctx, signal.ID)
	require.NoError(t, err)

	recorded := 0

	for _, change := range changes {
		if change.Response == nil {
			continue
		}

		assert.Equal(t, response, change.Response)
		recorded++
	}

	// One row per side of the completion transition.
	assert.Equal(t, 2, recorded)
}

func TestEventByIDResolvesEveryKnownEvent(t *testing.T) {
	for _, event := range []engine.Event{
		engine.EventMarkChildrenReady,
		engine.EventChildrenReady,
		engine.EventScheduleNextNode,
		engine.EventStartNode,
		engine.EventClientProcessing,
		engine.EventClientComplete,
		engine.EventNodeComplete,
		engine.EventClientError,
		engine.EventRetryNode,
		engine.EventResetNode,
		engine.EventCancelNode,
		engine.EventDeactivatePreviousNodes,
	} {
		resolved, err := engine.EventByID(string(event))
		require.NoError(t, err)
		assert.Equal(t, event, resolved)
	}

	_, err := engine.EventByID("bogus")
	assert.Error(t, err)
}
