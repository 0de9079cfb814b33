// Package statemanager validates and applies status transitions on nodes.
// It is the only code path permitted to mutate a node's status fields:
// every valid transition is persisted together with its append-only
// StatusChange audit rows in a single store transaction.
package statemanager

import (
	"context"
	"fmt"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
)

// serverTransitions is the adjacency table for the orchestrator-side
// state machine. Absent edges are invalid.
var serverTransitions = map[models.ServerStatus][]models.ServerStatus{
	models.ServerStatusPending: {
		models.ServerStatusReady,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusReady: {
		models.ServerStatusStarted,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
		models.ServerStatusPaused,
	},
	models.ServerStatusPaused: {
		models.ServerStatusReady,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusStarted: {
		models.ServerStatusSentToClient,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusSentToClient: {
		models.ServerStatusProcessingChildren,
		models.ServerStatusReceivedFromClient,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusReceivedFromClient: {
		models.ServerStatusProcessingChildren,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusProcessingChildren: {
		models.ServerStatusComplete,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusErrored: {
		models.ServerStatusRetrying,
		models.ServerStatusDeactivated,
	},
	models.ServerStatusRetrying: {
		models.ServerStatusReady,
		models.ServerStatusStarted,
		models.ServerStatusSentToClient,
		models.ServerStatusErrored,
		models.ServerStatusDeactivated,
	},
	// Idempotent self-loop: replaying a completion is a recorded no-op.
	models.ServerStatusComplete: {
		models.ServerStatusComplete,
	},
	models.ServerStatusDeactivated: {
		models.ServerStatusDeactivated,
	},
}

// clientTransitions is the adjacency table for the client-side state machine.
var clientTransitions = map[models.ClientStatus][]models.ClientStatus{
	models.ClientStatusPending: {
		models.ClientStatusReady,
		models.ClientStatusErrored,
	},
	models.ClientStatusReady: {
		models.ClientStatusReceived,
		models.ClientStatusErrored,
	},
	models.ClientStatusReceived: {
		models.ClientStatusProcessing,
		models.ClientStatusComplete,
		models.ClientStatusErrored,
	},
	models.ClientStatusProcessing: {
		models.ClientStatusComplete,
		models.ClientStatusErrored,
	},
	models.ClientStatusErrored: {
		models.ClientStatusReceived,
		models.ClientStatusErrored,
	},
	models.ClientStatusComplete: {
		models.ClientStatusComplete,
	},
}

// InvalidTransitionError reports an edge absent from the transition table.
// Nothing is mutated when it is returned.
type InvalidTransitionError struct {
	NodeID     string
	StatusType models.StatusType
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition for node %s: %s -> %s",
		e.StatusType, e.NodeID, e.From, e.To)
}

// Requested is a partial status record: zero or one value per side.
type Requested struct {
	Server *models.ServerStatus
	Client *models.ClientStatus

	// Response is attached to the audit rows (client callbacks carry the
	// client's response body here).
	Response map[string]any
}

// ChangeNotifier observes committed status changes. Notification happens
// after the transaction succeeds and must not fail the transition.
type ChangeNotifier func(ctx context.Context, node *models.Node, change *models.StatusChange)

// Manager applies validated transitions against the node repository.
type Manager struct {
	nodes  persistence.NodeRepository
	notify ChangeNotifier
}

func New(nodes persistence.NodeRepository) *Manager {
	return &Manager{nodes: nodes}
}

// WithNotifier registers an observer for committed transitions.
func (m *Manager) WithNotifier(notify ChangeNotifier) *Manager {
	m.notify = notify

	return m
}

// Apply validates every requested field against the transition tables and
// persists the new statuses together with one StatusChange row per field.
// Validation is all-or-nothing: if either side is invalid, neither is
// applied and the node is left untouched.
func (m *Manager) Apply(ctx context.Context, node *models.Node, requested Requested) error {
	changes := make([]*models.StatusChange, 0, 2)

	if requested.Server != nil {
		if !allowedServer(node.CurrentServerStatus, *requested.Server) {
			return &InvalidTransitionError{
				NodeID:     node.ID,
				StatusType: models.StatusTypeServer,
				From:       string(node.CurrentServerStatus),
				To:         string(*requested.Server),
			}
		}

		changes = append(changes, models.NewStatusChange(
			node.ID,
			models.StatusTypeServer,
			string(node.CurrentServerStatus),
			string(*requested.Server),
			requested.Response,
		))
	}

	if requested.Client != nil {
		if !allowedClient(node.CurrentClientStatus, *requested.Client) {
			return &InvalidTransitionError{
				NodeID:     node.ID,
				StatusType: models.StatusTypeClient,
				From:       string(node.CurrentClientStatus),
				To:         string(*requested.Client),
			}
		}

		changes = append(changes, models.NewStatusChange(
			node.ID,
			models.StatusTypeClient,
			string(node.CurrentClientStatus),
			string(*requested.Client),
			requested.Response,
		))
	}

	if len(changes) == 0 {
		return nil
	}

	updated := *node
	if requested.Server != nil {
		updated.CurrentServerStatus = *requested.Server
	}

	if requested.Client != nil {
		updated.CurrentClientStatus = *requested.Client
	}

	err := m.nodes.TransitionStatus(ctx, &updated, changes)
	if err != nil {
		return fmt.Errorf("failed to persist status transition for node %s: %w", node.ID, err)
	}

	node.CurrentServerStatus = updated.CurrentServerStatus
	node.CurrentClientStatus = updated.CurrentClientStatus

	if m.notify != nil {
		for _, change := range changes {
			m.notify(ctx, node, change)
		}
	}

	return nil
}

func allowedServer(from, to models.ServerStatus) bool {
	for _, candidate := range serverTransitions[from] {
		if candidate == to {
			return true
		}
	}

	return false
}

func allowedClient(from, to models.ClientStatus) bool {
	for _, candidate := range clientTransitions[from] {
		if candidate == to {
			return true
		}
	}

	return false
}

// Server and Client are convenience constructors for Requested values.
func Server(status models.ServerStatus) *models.ServerStatus { return &status }
func Client(status models.ClientStatus) *models.ClientStatus { return &status }
