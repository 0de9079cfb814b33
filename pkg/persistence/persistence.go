// Package persistence provides the data storage abstraction for users,
// workflows, nodes, and their append-only status history.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/maestro/pkg/models"
)

// Persistence aggregates the repositories backing the engine.
type Persistence interface {
	Users() UserRepository
	Workflows() WorkflowRepository
	Nodes() NodeRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	UserByID(ctx context.Context, id string) (*models.User, error)
	RotateEndpoints(ctx context.Context, id string, attrs models.UserAttrs) error
}

type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)

	// FindByUniqueness resolves the (user, name, decider, subject) quadruple
	// to at most one workflow. Returns ErrWorkflowNotFound when absent.
	FindByUniqueness(ctx context.Context, userID, name, decider string, subject map[string]any) (*models.Workflow, error)

	SetComplete(ctx context.Context, id string, complete bool) error
	SetPaused(ctx context.Context, id string, paused bool) error
}

type NodeRepository interface {
	// Create persists a node with its detail records atomically and assigns
	// the next value of the global monotonic sequence to node.Seq.
	Create(ctx context.Context, node *models.Node) error

	NodeByID(ctx context.Context, id string) (*models.Node, error)

	// Children returns the direct children of a node or workflow in
	// ascending seq order.
	Children(ctx context.Context, parent models.Ref) ([]*models.Node, error)

	// TransitionStatus persists both status fields and appends the given
	// audit rows in a single transaction. The update is a compare-and-swap
	// against the statuses the changes were validated from (their
	// FromStatus values); a mismatched stored row yields ErrStatusConflict
	// and nothing is mutated. Processors must not call this directly; the
	// state manager is the only permitted entry point.
	TransitionStatus(ctx context.Context, node *models.Node, changes []*models.StatusChange) error

	// UpdateDetail persists the node's retry/deadline bookkeeping.
	UpdateDetail(ctx context.Context, node *models.Node) error

	// WithLock runs fn while holding an exclusive row lock on the node,
	// passing the freshly loaded row. Repository calls made inside fn with
	// the provided context join the same transaction.
	WithLock(ctx context.Context, id string, fn func(ctx context.Context, node *models.Node) error) error

	StatusChanges(ctx context.Context, nodeID string) ([]*models.StatusChange, error)

	// Expired returns nodes whose CompleteBy deadline elapsed before now
	// and that are not yet terminal, in ascending seq order. The heal
	// sweep decides per node whether the state warrants a ClientError.
	Expired(ctx context.Context, now time.Time) ([]*models.Node, error)
}

// PriorStatuses reconstructs the status snapshot a transition was validated
// against: the FromStatus of each audit row, falling back to the node's
// value for a side no row touched. Implementations compare-and-swap against
// this pair.
func PriorStatuses(node *models.Node, changes []*models.StatusChange) (server, client string) {
	server = string(node.CurrentServerStatus)
	client = string(node.CurrentClientStatus)

	for _, change := range changes {
		switch change.StatusType {
		case models.StatusTypeServer:
			server = change.FromStatus
		case models.StatusTypeClient:
			client = change.FromStatus
		}
	}

	return server, client
}
