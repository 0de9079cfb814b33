package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/client"
	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/eventbus"
	"github.com/dukex/maestro/pkg/events"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/queue"
	"github.com/dukex/maestro/pkg/statemanager"
	"github.com/go-playground/validator/v10"
)

// Server is the single entry point for firing events against nodes and
// workflows, used by the HTTP layer, the async worker, and the heal sweep.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	store    persistence.Persistence
	queue    queue.Queue
	gateway  client.Gateway
	bus      eventbus.EventPublisher
	state    *statemanager.Manager
	validate *validator.Validate
}

func NewServer(
	cfg config.Config,
	logger *slog.Logger,
	store persistence.Persistence,
	jobQueue queue.Queue,
	gateway client.Gateway,
	bus eventbus.EventPublisher,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("module", "engine"),
		store:    store,
		queue:    jobQueue,
		gateway:  gateway,
		bus:      bus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	s.state = statemanager.New(store.Nodes()).WithNotifier(s.publishStatusChange)

	return s
}

// FireOption overrides the dispatch table's defaults for one FireEvent call.
type FireOption func(*fireOptions)

type fireOptions struct {
	policy   SchedulePolicy
	retries  int
	response map[string]any
}

// WithScheduler overrides the event's declared scheduler policy.
func WithScheduler(policy SchedulePolicy) FireOption {
	return func(o *fireOptions) { o.policy = policy }
}

// WithRetries overrides the event's business retry budget.
func WithRetries(retries int) FireOption {
	return func(o *fireOptions) { o.retries = retries }
}

// WithResponse attaches the client's callback body to the event, recorded
// on the resulting status-change audit rows. Only meaningful for the
// inline client callback events.
func WithResponse(response map[string]any) FireOption {
	return func(o *fireOptions) { o.response = response }
}

// FireEvent schedules the named event against a node or workflow. "Now"
// events execute inline; everything else is handed to the durable queue
// with a run-at time computed from the event's scheduler policy.
func (s *Server) FireEvent(ctx context.Context, event Event, ref models.Ref, opts ...FireOption) error {
	spec, ok := eventTable[event]
	if !ok {
		return fmt.Errorf("unknown event %q", event)
	}

	options := fireOptions{policy: spec.policy, retries: spec.retries}
	for _, opt := range opts {
		opt(&options)
	}

	if options.policy == ScheduleNow {
		return s.Process(ctx, event, ref, opts...)
	}

	now := time.Now().UTC()
	runAt := now

	switch options.policy {
	case ScheduleAt, ScheduleInterval:
		if !ref.IsNode() {
			return fmt.Errorf("scheduler policy %q requires a node reference, got %s", options.policy, ref)
		}

		node, err := s.store.Nodes().NodeByID(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("failed to load node for scheduling %s: %w", event, err)
		}

		if options.policy == ScheduleAt {
			runAt = node.FiresAt
		} else {
			runAt = now.Add(node.Detail.RetryInterval)
		}
	case ScheduleBackoff:
		runAt = now.Add(s.cfg.BackoffDelay)
	case ScheduleAsync:
		runAt = now
	}

	job := queue.NewJob(string(event), ref, options.retries, runAt)

	s.logger.InfoContext(ctx, "Enqueueing event",
		"event", event, "ref", ref.String(), "run_at", runAt, "retries", options.retries)

	err := s.queue.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enqueue event %s for %s: %w", event, ref, err)
	}

	return nil
}

// Process executes the event's processor inline against a freshly
// resolved target. The async dispatcher calls this after rehydration.
func (s *Server) Process(ctx context.Context, event Event, ref models.Ref, opts ...FireOption) error {
	spec, ok := eventTable[event]
	if !ok {
		return fmt.Errorf("unknown event %q", event)
	}

	options := fireOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	target, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}

	target.response = options.response

	return spec.process(s, ctx, target)
}

// resolve rehydrates a Ref into its target records.
func (s *Server) resolve(ctx context.Context, ref models.Ref) (*target, error) {
	if ref.IsNode() {
		node, err := s.store.Nodes().NodeByID(ctx, ref.ID)
		if err != nil {
			return nil, err
		}

		workflow, err := s.store.Workflows().WorkflowByID(ctx, node.WorkflowID)
		if err != nil {
			return nil, err
		}

		return &target{ref: ref, node: node, workflow: workflow}, nil
	}

	workflow, err := s.store.Workflows().WorkflowByID(ctx, ref.ID)
	if err != nil {
		return nil, err
	}

	return &target{ref: ref, workflow: workflow}, nil
}

// CreateWorkflow creates (or idempotently returns) the workflow identified
// by the unique (user, name, decider, subject) quadruple.
func (s *Server) CreateWorkflow(ctx context.Context, user *models.User, attrs models.WorkflowAttrs) (*models.Workflow, error) {
	err := s.validate.Struct(attrs)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow attributes: %w", err)
	}

	existing, err := s.store.Workflows().FindByUniqueness(ctx, user.ID, attrs.Name, attrs.Decider, attrs.Subject)
	if err == nil {
		return existing, nil
	}

	if !persistence.IsWorkflowNotFound(err) {
		return nil, err
	}

	workflow := models.NewWorkflow(user.ID, attrs)

	err = s.store.Workflows().Create(ctx, workflow)
	if err != nil {
		// Concurrent creation of the same quadruple: return the winner.
		if errors.Is(err, persistence.ErrWorkflowAlreadyExists) {
			return s.store.Workflows().FindByUniqueness(ctx, user.ID, attrs.Name, attrs.Decider, attrs.Subject)
		}

		return nil, err
	}

	s.publish(ctx, workflow.ID, events.WorkflowCreated{
		BaseEvent: events.NewBaseEvent(events.WorkflowCreatedEvent, workflow.ID),
		Name:      workflow.Name,
		Decider:   workflow.Decider,
		UserID:    workflow.UserID,
	})

	return workflow, nil
}

// AddNode creates a new node with its detail records atomically, in
// pending/pending, under the given parent node or workflow.
func (s *Server) AddNode(ctx context.Context, user *models.User, parent models.Ref, attrs models.NodeAttrs) (*models.Node, error) {
	err := s.validate.Struct(attrs)
	if err != nil {
		return nil, fmt.Errorf("invalid node attributes: %w", err)
	}

	var (
		workflowID string
		parentID   *string
	)

	if parent.IsNode() {
		parentNode, err := s.store.Nodes().NodeByID(ctx, parent.ID)
		if err != nil {
			return nil, err
		}

		workflowID = parentNode.WorkflowID
		parentID = &parentNode.ID
	} else {
		workflow, err := s.store.Workflows().WorkflowByID(ctx, parent.ID)
		if err != nil {
			return nil, err
		}

		workflowID = workflow.ID
	}

	node := models.NewNode(user.ID, workflowID, parentID, attrs)

	err = s.store.Nodes().Create(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to create node under %s: %w", parent, err)
	}

	created := events.NodeCreated{
		BaseEvent: events.NewBaseEvent(events.NodeCreatedEvent, workflowID),
		NodeID:    node.ID,
		Name:      node.Name,
		Kind:      string(node.Kind),
		Mode:      string(node.Mode),
	}
	if parentID != nil {
		created.ParentID = *parentID
	}

	s.publish(ctx, workflowID, created)

	return node, nil
}

// Signal appends a root-level node to the workflow and wakes the tree.
// While the workflow is paused the node is appended but not scheduled.
func (s *Server) Signal(ctx context.Context, workflowID string, user *models.User, attrs models.NodeAttrs) (*models.Node, error) {
	workflow, err := s.store.Workflows().WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	node, err := s.AddNode(ctx, user, workflow.Ref(), attrs)
	if err != nil {
		return nil, err
	}

	if workflow.Paused {
		s.logger.InfoContext(ctx, "Workflow paused, signal appended without scheduling",
			"workflow_id", workflow.ID, "node_id", node.ID)

		return node, nil
	}

	err = s.FireEvent(ctx, EventMarkChildrenReady, workflow.Ref())
	if err != nil {
		return nil, err
	}

	return node, nil
}

// PauseWorkflow suspends all new scheduling for the workflow.
func (s *Server) PauseWorkflow(ctx context.Context, workflowID string) error {
	err := s.store.Workflows().SetPaused(ctx, workflowID, true)
	if err != nil {
		return err
	}

	s.publish(ctx, workflowID, events.WorkflowPaused{
		BaseEvent: events.NewBaseEvent(events.WorkflowPausedEvent, workflowID),
	})

	return nil
}

// ResumeWorkflow lifts a pause and re-walks the root children.
func (s *Server) ResumeWorkflow(ctx context.Context, workflowID string) error {
	err := s.store.Workflows().SetPaused(ctx, workflowID, false)
	if err != nil {
		return err
	}

	s.publish(ctx, workflowID, events.WorkflowResumed{
		BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, workflowID),
	})

	// MarkChildrenReady cascades into ChildrenReady and the root walk.
	return s.FireEvent(ctx, EventMarkChildrenReady, models.WorkflowRef(workflowID))
}

// ForceError transitions a node to its terminal errored state and notifies
// the external actor. The async dispatcher calls this when the business
// retry budget is exhausted.
func (s *Server) ForceError(ctx context.Context, ref models.Ref, cause error) error {
	if !ref.IsNode() {
		s.logger.ErrorContext(ctx, "Dropping exhausted workflow-level event", "ref", ref.String(), "error", cause)

		return nil
	}

	node, err := s.store.Nodes().NodeByID(ctx, ref.ID)
	if err != nil {
		return err
	}

	return s.errorOut(ctx, node, map[string]any{"error": cause.Error()})
}

// errorOut moves both statuses to errored (tolerating sides already
// there) and sends the terminal failure notification exactly once.
func (s *Server) errorOut(ctx context.Context, node *models.Node, response map[string]any) error {
	requested := statemanager.Requested{Response: response}
	if node.CurrentServerStatus != models.ServerStatusErrored {
		requested.Server = statemanager.Server(models.ServerStatusErrored)
	}

	if node.CurrentClientStatus != models.ClientStatusErrored {
		requested.Client = statemanager.Client(models.ClientStatusErrored)
	}

	err := s.state.Apply(ctx, node, requested)
	if err != nil {
		return err
	}

	return s.notifyError(ctx, node, response)
}

func (s *Server) notifyError(ctx context.Context, node *models.Node, response map[string]any) error {
	user, err := s.store.Users().UserByID(ctx, node.UserID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"error":       "Client Errored",
		"node":        node.ClientPayload(),
		"workflow_id": node.WorkflowID,
		"response":    response,
	}

	err = s.gateway.Notify(ctx, payload, user.NotificationEndpoint)
	if err != nil {
		return fmt.Errorf("failed to notify client of node %s failure: %w", node.ID, err)
	}

	s.publish(ctx, node.WorkflowID, events.NodeErrored{
		BaseEvent: events.NewBaseEvent(events.NodeErroredEvent, node.WorkflowID),
		NodeID:    node.ID,
		Error:     "Client Errored",
	})

	return nil
}

// publish sends a lifecycle event on the bus. Notification is best-effort
// and never fails the calling operation.
func (s *Server) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.bus == nil {
		return
	}

	err := s.bus.Publish(ctx, key, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}

func (s *Server) publishStatusChange(ctx context.Context, node *models.Node, change *models.StatusChange) {
	s.publish(ctx, node.WorkflowID, events.NodeStatusChanged{
		BaseEvent:  events.NewBaseEvent(events.NodeStatusChangedEvent, node.WorkflowID),
		NodeID:     node.ID,
		StatusType: string(change.StatusType),
		FromStatus: change.FromStatus,
		ToStatus:   change.ToStatus,
	})
}
