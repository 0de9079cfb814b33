package engine

import (
	"context"
	"fmt"

	"github.com/dukex/maestro/pkg/events"
	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/statemanager"
)

// Processors are the state-machine transition functions, one per event.
// They mutate status exclusively through the state manager and let every
// failure propagate to the dispatcher's retry policy. The single
// documented exception is StartNode's idempotency early-return.

// markChildrenReady moves every pending direct child to ready/ready and
// fires ChildrenReady on the same target. Re-entrant: children already
// past pending are left alone.
func (s *Server) markChildrenReady(ctx context.Context, t *target) error {
	children, err := s.store.Nodes().Children(ctx, t.ref)
	if err != nil {
		return err
	}

	for _, child := range children {
		if child.CurrentServerStatus != models.ServerStatusPending {
			continue
		}

		err = s.state.Apply(ctx, child, statemanager.Requested{
			Server: statemanager.Server(models.ServerStatusReady),
			Client: statemanager.Client(models.ClientStatusReady),
		})
		if err != nil {
			return err
		}
	}

	return s.FireEvent(ctx, EventChildrenReady, t.ref)
}

// childrenReady fires ScheduleNextNode once no child remains pending.
func (s *Server) childrenReady(ctx context.Context, t *target) error {
	ready, err := s.allChildrenReady(ctx, t.ref)
	if err != nil {
		return err
	}

	if !ready {
		return nil
	}

	return s.FireEvent(ctx, EventScheduleNextNode, t.ref)
}

// scheduleNextNode walks the not-complete children in seq order, starting
// every ready child it reaches. The walk halts at the first blocking
// child that is still in flight: blocking children gate all later
// siblings. Afterwards, if every non-fire_and_forget child is complete,
// completion propagates via NodeComplete on this target.
func (s *Server) scheduleNextNode(ctx context.Context, t *target) error {
	if t.workflow.Paused {
		s.logger.InfoContext(ctx, "Workflow paused, suspending scheduling", "workflow_id", t.workflow.ID)

		return nil
	}

	children, err := s.notCompleteChildren(ctx, t.ref)
	if err != nil {
		return err
	}

	for _, child := range children {
		if child.CurrentServerStatus == models.ServerStatusReady {
			err = s.state.Apply(ctx, child, statemanager.Requested{
				Server: statemanager.Server(models.ServerStatusStarted),
			})
			if err != nil {
				return err
			}

			err = s.FireEvent(ctx, EventStartNode, child.Ref())
			if err != nil {
				return err
			}
		}

		if child.Mode == models.NodeModeBlocking {
			break
		}
	}

	complete, err := s.allChildrenComplete(ctx, t.ref)
	if err != nil {
		return err
	}

	if !complete {
		return nil
	}

	return s.FireEvent(ctx, EventNodeComplete, t.ref)
}

// startNode dispatches the node to the external client. The whole
// check-and-transition runs under the node's exclusive row lock so two
// workers racing on a duplicate delivery cannot both dispatch.
func (s *Server) startNode(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("start_node requires a node target, got %s", t.ref)
	}

	return s.store.Nodes().WithLock(ctx, t.node.ID, func(ctx context.Context, node *models.Node) error {
		if node.CurrentServerStatus.Performed() {
			// Duplicate delivery: the node is already at or past
			// sent_to_client, so this event has nothing left to do.
			s.logger.InfoContext(ctx, "Node already performed, skipping dispatch",
				"node_id", node.ID, "server_status", node.CurrentServerStatus)

			return nil
		}

		if !node.Kind.RequiresClient() {
			// Flags are pure server-side markers; complete immediately.
			err := s.applySent(ctx, node)
			if err != nil {
				return err
			}

			return s.FireEvent(ctx, EventClientComplete, node.Ref())
		}

		// Dispatch before committing sent_to_client: a failed dispatch
		// leaves the node in started, where the retry policy can restart
		// it instead of tripping the idempotency guard.
		err := s.dispatch(ctx, node, t.workflow)
		if err != nil {
			return err
		}

		return s.applySent(ctx, node)
	})
}

func (s *Server) applySent(ctx context.Context, node *models.Node) error {
	return s.state.Apply(ctx, node, statemanager.Requested{
		Server: statemanager.Server(models.ServerStatusSentToClient),
		Client: statemanager.Client(models.ClientStatusReceived),
	})
}

// dispatch pushes the node payload to the client endpoint matching its
// kind. A non-2xx response propagates as a business error.
func (s *Server) dispatch(ctx context.Context, node *models.Node, workflow *models.Workflow) error {
	user, err := s.store.Users().UserByID(ctx, node.UserID)
	if err != nil {
		return err
	}

	endpoint := user.EndpointFor(node.Kind)
	payload := node.ClientPayload()
	payload["subject"] = workflow.Subject
	payload["decider"] = workflow.Decider

	if node.Kind == models.NodeKindDecision {
		err = s.gateway.MakeDecision(ctx, payload, endpoint)
	} else {
		err = s.gateway.PerformActivity(ctx, payload, endpoint)
	}

	if err != nil {
		return err
	}

	s.publish(ctx, node.WorkflowID, events.NodeDispatched{
		BaseEvent: events.NewBaseEvent(events.NodeDispatchedEvent, node.WorkflowID),
		NodeID:    node.ID,
		Kind:      string(node.Kind),
		Endpoint:  endpoint,
	})

	return nil
}

// clientProcessing records the client's acknowledgment that it started
// working on the node.
func (s *Server) clientProcessing(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("client_processing requires a node target, got %s", t.ref)
	}

	return s.state.Apply(ctx, t.node, statemanager.Requested{
		Client:   statemanager.Client(models.ClientStatusProcessing),
		Response: t.response,
	})
}

// clientComplete records the client's completion and descends into the
// node's children.
func (s *Server) clientComplete(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("client_complete requires a node target, got %s", t.ref)
	}

	err := s.state.Apply(ctx, t.node, statemanager.Requested{
		Server:   statemanager.Server(models.ServerStatusProcessingChildren),
		Client:   statemanager.Client(models.ClientStatusComplete),
		Response: t.response,
	})
	if err != nil {
		return err
	}

	return s.FireEvent(ctx, EventMarkChildrenReady, t.node.Ref())
}

// nodeComplete marks a node complete and propagates the fan-in to its
// parent. At the workflow root it closes the workflow instead.
func (s *Server) nodeComplete(ctx context.Context, t *target) error {
	if !t.isNode() {
		if t.workflow.Complete {
			return nil
		}

		err := s.store.Workflows().SetComplete(ctx, t.workflow.ID, true)
		if err != nil {
			return err
		}

		s.publish(ctx, t.workflow.ID, events.WorkflowCompleted{
			BaseEvent: events.NewBaseEvent(events.WorkflowCompletedEvent, t.workflow.ID),
		})

		return nil
	}

	err := s.state.Apply(ctx, t.node, statemanager.Requested{
		Server: statemanager.Server(models.ServerStatusComplete),
	})
	if err != nil {
		return err
	}

	return s.FireEvent(ctx, EventScheduleNextNode, t.node.ParentRef())
}

// clientError records a client-reported failure. With budget left it
// schedules a retry; exhausted, it notifies the external actor once and
// leaves the node in its terminal errored state.
func (s *Server) clientError(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("client_error requires a node target, got %s", t.ref)
	}

	node := t.node

	response := t.response
	if response == nil {
		response = map[string]any{}
		if node.ClientDetail.Data != nil {
			response["data"] = node.ClientDetail.Data
		}
	}

	err := s.state.Apply(ctx, node, statemanager.Requested{
		Server:   statemanager.Server(models.ServerStatusErrored),
		Client:   statemanager.Client(models.ClientStatusErrored),
		Response: response,
	})
	if err != nil {
		return err
	}

	if node.Detail.RetriesRemaining > 0 {
		node.Detail.RetriesRemaining--

		err = s.store.Nodes().UpdateDetail(ctx, node)
		if err != nil {
			return err
		}

		return s.FireEvent(ctx, EventRetryNode, node.Ref())
	}

	return s.notifyError(ctx, node, response)
}

// retryNode moves an errored node back to ready and re-walks the parent,
// the canonical retry-via-parent path.
func (s *Server) retryNode(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("retry_node requires a node target, got %s", t.ref)
	}

	err := s.state.Apply(ctx, t.node, statemanager.Requested{
		Server: statemanager.Server(models.ServerStatusRetrying),
	})
	if err != nil {
		return err
	}

	err = s.state.Apply(ctx, t.node, statemanager.Requested{
		Server: statemanager.Server(models.ServerStatusReady),
	})
	if err != nil {
		return err
	}

	return s.FireEvent(ctx, EventScheduleNextNode, t.node.ParentRef())
}

// resetNode deactivates the node's entire child subtree. Operator
// correction: the client re-sends fresh children afterwards.
func (s *Server) resetNode(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("reset_node requires a node target, got %s", t.ref)
	}

	return s.deactivateChildren(ctx, t.node.Ref())
}

func (s *Server) deactivateChildren(ctx context.Context, parent models.Ref) error {
	children, err := s.store.Nodes().Children(ctx, parent)
	if err != nil {
		return err
	}

	for _, child := range children {
		if child.CurrentServerStatus.Terminal() {
			continue
		}

		err = s.state.Apply(ctx, child, statemanager.Requested{
			Server: statemanager.Server(models.ServerStatusDeactivated),
		})
		if err != nil {
			return err
		}

		err = s.deactivateChildren(ctx, child.Ref())
		if err != nil {
			return err
		}
	}

	return nil
}

// cancelNode deactivates the node itself and lets its siblings proceed.
func (s *Server) cancelNode(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("cancel_node requires a node target, got %s", t.ref)
	}

	err := s.state.Apply(ctx, t.node, statemanager.Requested{
		Server: statemanager.Server(models.ServerStatusDeactivated),
	})
	if err != nil {
		return err
	}

	return s.FireEvent(ctx, EventScheduleNextNode, t.node.ParentRef())
}

// deactivatePreviousNodes deactivates every non-complete earlier sibling,
// the supersede semantics used when a newer decision replaces older work.
func (s *Server) deactivatePreviousNodes(ctx context.Context, t *target) error {
	if !t.isNode() {
		return fmt.Errorf("deactivate_previous_nodes requires a node target, got %s", t.ref)
	}

	siblings, err := s.store.Nodes().Children(ctx, t.node.ParentRef())
	if err != nil {
		return err
	}

	for _, sibling := range siblings {
		if sibling.Seq >= t.node.Seq {
			continue
		}

		if sibling.CurrentServerStatus.Terminal() {
			continue
		}

		err = s.state.Apply(ctx, sibling, statemanager.Requested{
			Server: statemanager.Server(models.ServerStatusDeactivated),
		})
		if err != nil {
			return err
		}
	}

	return nil
}
