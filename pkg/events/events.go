// Package events defines the lifecycle event payloads published on the
// event bus as nodes and workflows move through the engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the bus topic all lifecycle events are published to.
const Topic = "maestro.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowCreatedEvent   EventType = "workflow.created"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowResumedEvent   EventType = "workflow.resumed"

	NodeCreatedEvent       EventType = "node.created"
	NodeStatusChangedEvent EventType = "node.status.changed"
	NodeDispatchedEvent    EventType = "node.dispatched"
	NodeErroredEvent       EventType = "node.errored"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type WorkflowCreated struct {
	BaseEvent

	Name    string `json:"name"`
	Decider string `json:"decider"`
	UserID  string `json:"user_id"`
}

func (w WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

type WorkflowCompleted struct {
	BaseEvent
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowPaused struct {
	BaseEvent
}

func (w WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowResumed struct {
	BaseEvent
}

func (w WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

type NodeCreated struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Mode     string `json:"mode"`
}

func (n NodeCreated) GetType() EventType {
	return NodeCreatedEvent
}

type NodeStatusChanged struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	StatusType string `json:"status_type"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

func (n NodeStatusChanged) GetType() EventType {
	return NodeStatusChangedEvent
}

type NodeDispatched struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
}

func (n NodeDispatched) GetType() EventType {
	return NodeDispatchedEvent
}

type NodeErrored struct {
	BaseEvent

	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

func (n NodeErrored) GetType() EventType {
	return NodeErroredEvent
}
