// Package memory provides an in-memory persistence implementation for unit
// tests and local development. It emulates the relational store's contract:
// monotonic seq assignment, per-node exclusive locks, and rehydration
// returning fresh copies rather than shared pointers.
package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
)

type store struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	workflows map[string]*models.Workflow
	nodes     map[string]*models.Node
	changes   map[string][]*models.StatusChange
	nextSeq   int64

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type Persistence struct {
	store    *store
	userRepo *userRepository
	wfRepo   *workflowRepository
	nodeRepo *nodeRepository
}

func NewPersistence() *Persistence {
	s := &store{
		users:     make(map[string]*models.User),
		workflows: make(map[string]*models.Workflow),
		nodes:     make(map[string]*models.Node),
		changes:   make(map[string][]*models.StatusChange),
		locks:     make(map[string]*sync.Mutex),
	}

	return &Persistence{
		store:    s,
		userRepo: &userRepository{store: s},
		wfRepo:   &workflowRepository{store: s},
		nodeRepo: &nodeRepository{store: s},
	}
}

func (p *Persistence) Users() persistence.UserRepository         { return p.userRepo }
func (p *Persistence) Workflows() persistence.WorkflowRepository { return p.wfRepo }
func (p *Persistence) Nodes() persistence.NodeRepository         { return p.nodeRepo }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }
func (p *Persistence) Close(ctx context.Context) error       { return nil }

// --- users ---

type userRepository struct {
	store *store
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *user
	r.store.users[user.ID] = &copied

	return nil
}

func (r *userRepository) UserByID(ctx context.Context, id string) (*models.User, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	user, ok := r.store.users[id]
	if !ok {
		return nil, persistence.ErrUserNotFound
	}

	copied := *user

	return &copied, nil
}

func (r *userRepository) RotateEndpoints(ctx context.Context, id string, attrs models.UserAttrs) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	user, ok := r.store.users[id]
	if !ok {
		return persistence.ErrUserNotFound
	}

	user.DecisionEndpoint = attrs.DecisionEndpoint
	user.ActivityEndpoint = attrs.ActivityEndpoint
	user.NotificationEndpoint = attrs.NotificationEndpoint

	return nil
}

// --- workflows ---

type workflowRepository struct {
	store *store
}

func (r *workflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.workflows {
		if existing.UserID == workflow.UserID &&
			existing.Name == workflow.Name &&
			existing.Decider == workflow.Decider &&
			reflect.DeepEqual(existing.Subject, workflow.Subject) {
			return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}
	}

	copied := *workflow
	r.store.workflows[workflow.ID] = &copied

	return nil
}

func (r *workflowRepository) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	workflow, ok := r.store.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	copied := *workflow

	return &copied, nil
}

func (r *workflowRepository) FindByUniqueness(ctx context.Context, userID, name, decider string, subject map[string]any) (*models.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, workflow := range r.store.workflows {
		if workflow.UserID == userID &&
			workflow.Name == name &&
			workflow.Decider == decider &&
			reflect.DeepEqual(workflow.Subject, subject) {
			copied := *workflow

			return &copied, nil
		}
	}

	return nil, persistence.ErrWorkflowNotFound
}

func (r *workflowRepository) SetComplete(ctx context.Context, id string, complete bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	workflow, ok := r.store.workflows[id]
	if !ok {
		return persistence.NewWorkflowError("SetComplete", id, persistence.ErrWorkflowNotFound)
	}

	workflow.Complete = complete
	workflow.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *workflowRepository) SetPaused(ctx context.Context, id string, paused bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	workflow, ok := r.store.workflows[id]
	if !ok {
		return persistence.NewWorkflowError("SetPaused", id, persistence.ErrWorkflowNotFound)
	}

	workflow.Paused = paused
	workflow.UpdatedAt = time.Now().UTC()

	return nil
}

// --- nodes ---

type nodeRepository struct {
	store *store
}

func cloneNode(node *models.Node) *models.Node {
	copied := *node

	if node.ParentID != nil {
		parentID := *node.ParentID
		copied.ParentID = &parentID
	}

	if node.Detail.CompleteBy != nil {
		completeBy := *node.Detail.CompleteBy
		copied.Detail.CompleteBy = &completeBy
	}

	return &copied
}

func (r *nodeRepository) Create(ctx context.Context, node *models.Node) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextSeq++
	node.Seq = r.store.nextSeq
	r.store.nodes[node.ID] = cloneNode(node)

	return nil
}

func (r *nodeRepository) NodeByID(ctx context.Context, id string) (*models.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	node, ok := r.store.nodes[id]
	if !ok {
		return nil, persistence.NewNodeError("NodeByID", id, persistence.ErrNodeNotFound)
	}

	return cloneNode(node), nil
}

func (r *nodeRepository) Children(ctx context.Context, parent models.Ref) ([]*models.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var children []*models.Node

	for _, node := range r.store.nodes {
		switch parent.Kind {
		case models.RefKindNode:
			if node.ParentID != nil && *node.ParentID == parent.ID {
				children = append(children, cloneNode(node))
			}
		case models.RefKindWorkflow:
			if node.ParentID == nil && node.WorkflowID == parent.ID {
				children = append(children, cloneNode(node))
			}
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Seq < children[j].Seq })

	return children, nil
}

func (r *nodeRepository) TransitionStatus(ctx context.Context, node *models.Node, changes []*models.StatusChange) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.nodes[node.ID]
	if !ok {
		return persistence.NewNodeError("TransitionStatus", node.ID, persistence.ErrNodeNotFound)
	}

	priorServer, priorClient := persistence.PriorStatuses(node, changes)
	if string(stored.CurrentServerStatus) != priorServer || string(stored.CurrentClientStatus) != priorClient {
		return persistence.NewNodeError("TransitionStatus", node.ID, persistence.ErrStatusConflict)
	}

	stored.CurrentServerStatus = node.CurrentServerStatus
	stored.CurrentClientStatus = node.CurrentClientStatus
	stored.UpdatedAt = time.Now().UTC()

	for _, change := range changes {
		r.store.changes[node.ID] = append(r.store.changes[node.ID], change)
	}

	return nil
}

func (r *nodeRepository) UpdateDetail(ctx context.Context, node *models.Node) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.nodes[node.ID]
	if !ok {
		return persistence.NewNodeError("UpdateDetail", node.ID, persistence.ErrNodeNotFound)
	}

	stored.Detail = node.Detail
	if node.Detail.CompleteBy != nil {
		completeBy := *node.Detail.CompleteBy
		stored.Detail.CompleteBy = &completeBy
	}

	stored.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *nodeRepository) WithLock(ctx context.Context, id string, fn func(ctx context.Context, node *models.Node) error) error {
	r.store.lockMu.Lock()

	lock, ok := r.store.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.store.locks[id] = lock
	}

	r.store.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	node, err := r.NodeByID(ctx, id)
	if err != nil {
		return err
	}

	return fn(ctx, node)
}

func (r *nodeRepository) StatusChanges(ctx context.Context, nodeID string) ([]*models.StatusChange, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	changes := make([]*models.StatusChange, len(r.store.changes[nodeID]))
	copy(changes, r.store.changes[nodeID])

	return changes, nil
}

func (r *nodeRepository) Expired(ctx context.Context, now time.Time) ([]*models.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var expired []*models.Node

	for _, node := range r.store.nodes {
		if node.Detail.CompleteBy == nil || node.Detail.CompleteBy.After(now) {
			continue
		}

		if node.CurrentServerStatus.Terminal() {
			continue
		}

		expired = append(expired, cloneNode(node))
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].Seq < expired[j].Seq })

	return expired, nil
}
