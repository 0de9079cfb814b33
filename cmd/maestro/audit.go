package main

import (
	"context"
	"log/slog"

	"github.com/dukex/maestro/pkg/eventbus"
	"github.com/dukex/maestro/pkg/events"
)

// startAuditLog subscribes the worker to the lifecycle topic and writes one
// structured log line per event, the durable audit trail alongside the
// per-node status_changes rows.
func startAuditLog(ctx context.Context, logger *slog.Logger, bus eventbus.EventBus) error {
	audit := logger.With("module", "audit")

	handlers := map[events.EventType]eventbus.EventHandler{
		events.WorkflowCreatedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.WorkflowCreated)
			audit.InfoContext(ctx, "Workflow created",
				"workflow_id", e.WorkflowID, "name", e.Name, "decider", e.Decider, "user_id", e.UserID)

			return nil
		},
		events.WorkflowCompletedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.WorkflowCompleted)
			audit.InfoContext(ctx, "Workflow completed", "workflow_id", e.WorkflowID)

			return nil
		},
		events.WorkflowPausedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.WorkflowPaused)
			audit.InfoContext(ctx, "Workflow paused", "workflow_id", e.WorkflowID)

			return nil
		},
		events.WorkflowResumedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.WorkflowResumed)
			audit.InfoContext(ctx, "Workflow resumed", "workflow_id", e.WorkflowID)

			return nil
		},
		events.NodeCreatedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.NodeCreated)
			audit.InfoContext(ctx, "Node created",
				"workflow_id", e.WorkflowID, "node_id", e.NodeID, "name", e.Name, "kind", e.Kind, "mode", e.Mode)

			return nil
		},
		events.NodeStatusChangedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.NodeStatusChanged)
			audit.InfoContext(ctx, "Node status changed",
				"workflow_id", e.WorkflowID, "node_id", e.NodeID,
				"status_type", e.StatusType, "from", e.FromStatus, "to", e.ToStatus)

			return nil
		},
		events.NodeDispatchedEvent: func(ctx context.Context, event any) error {
			e := event.(*events.NodeDispatched)
			audit.InfoContext(ctx, "Node dispatched",
				"workflow_id", e.WorkflowID, "node_id", e.NodeID, "kind", e.Kind, "endpoint", e.Endpoint)

			return nil
		},
		events.NodeErroredEvent: func(ctx context.Context, event any) error {
			e := event.(*events.NodeErrored)
			audit.ErrorContext(ctx, "Node errored",
				"workflow_id", e.WorkflowID, "node_id", e.NodeID, "error", e.Error)

			return nil
		},
	}

	for eventType, handler := range handlers {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	return bus.Subscribe(ctx)
}
