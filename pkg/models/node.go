// Package models defines the core domain models for durable node orchestration.
package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeMode controls sibling scheduling order.
type NodeMode string

const (
	NodeModeBlocking      NodeMode = "blocking"        // Later siblings wait for this node
	NodeModeNonBlocking   NodeMode = "non_blocking"    // Later siblings may start concurrently
	NodeModeFireAndForget NodeMode = "fire_and_forget" // Never blocks siblings nor parent completion
)

// NodeKind tags what sort of work a node represents.
type NodeKind string

const (
	NodeKindDecision NodeKind = "decision"
	NodeKindActivity NodeKind = "activity"
	NodeKindBranch   NodeKind = "branch"
	NodeKindTimer    NodeKind = "timer"
	NodeKindFlag     NodeKind = "flag"
	NodeKindSignal   NodeKind = "signal"
)

// RequiresClient reports whether dispatching this node involves the
// external client. Flags are pure server-side markers.
func (k NodeKind) RequiresClient() bool {
	return k != NodeKindFlag
}

// Default retry policy applied when AddNode attrs leave it unset.
const (
	DefaultRetries       = 4
	DefaultRetryInterval = 5 * time.Minute
)

// NodeDetail carries the retry and deadline bookkeeping for one node.
type NodeDetail struct {
	RetriesRemaining int           `json:"retries_remaining"`
	RetryInterval    time.Duration `json:"retry_interval"`
	CompleteBy       *time.Time    `json:"complete_by,omitempty"`
}

// ClientNodeDetail is the opaque payload exchanged with the external client.
type ClientNodeDetail struct {
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one unit of orchestrated work. Nodes form a tree via ParentID;
// a nil ParentID means the node hangs directly off its workflow.
type Node struct {
	ID                  string           `json:"id"`
	WorkflowID          string           `json:"workflow_id"`
	UserID              string           `json:"user_id"`
	ParentID            *string          `json:"parent_id,omitempty"`
	Name                string           `json:"name"                  validate:"required,min=1"`
	Kind                NodeKind         `json:"kind"                  validate:"required"`
	Mode                NodeMode         `json:"mode"                  validate:"required"`
	CurrentServerStatus ServerStatus     `json:"current_server_status"`
	CurrentClientStatus ClientStatus     `json:"current_client_status"`
	FiresAt             time.Time        `json:"fires_at"`
	Seq                 int64            `json:"seq"`
	Detail              NodeDetail       `json:"detail"`
	ClientDetail        ClientNodeDetail `json:"client_detail"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// NodeAttrs are the caller-supplied attributes for AddNode/Signal.
type NodeAttrs struct {
	Name          string         `json:"name"           validate:"required,min=1"`
	Kind          NodeKind       `json:"kind"           validate:"required,oneof=decision activity branch timer flag signal"`
	Mode          NodeMode       `json:"mode"           validate:"omitempty,oneof=blocking non_blocking fire_and_forget"`
	FiresAt       time.Time      `json:"fires_at"`
	Retries       *int           `json:"retries,omitempty"`
	RetryInterval *time.Duration `json:"retry_interval,omitempty"`
	CompleteBy    *time.Time     `json:"complete_by,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewNode builds a pending/pending node from attrs, applying all
// defaulting here rather than in persistence hooks. Seq is assigned by
// the repository on create.
func NewNode(userID, workflowID string, parentID *string, attrs NodeAttrs) *Node {
	now := time.Now().UTC()

	mode := attrs.Mode
	if mode == "" {
		mode = NodeModeBlocking
	}

	firesAt := attrs.FiresAt
	if firesAt.IsZero() {
		firesAt = now
	}

	retries := DefaultRetries
	if attrs.Retries != nil {
		retries = *attrs.Retries
	}

	retryInterval := DefaultRetryInterval
	if attrs.RetryInterval != nil {
		retryInterval = *attrs.RetryInterval
	}

	return &Node{
		ID:                  uuid.New().String(),
		WorkflowID:          workflowID,
		UserID:              userID,
		ParentID:            parentID,
		Name:                attrs.Name,
		Kind:                attrs.Kind,
		Mode:                mode,
		CurrentServerStatus: ServerStatusPending,
		CurrentClientStatus: ClientStatusPending,
		FiresAt:             firesAt,
		Detail: NodeDetail{
			RetriesRemaining: retries,
			RetryInterval:    retryInterval,
			CompleteBy:       attrs.CompleteBy,
		},
		ClientDetail: ClientNodeDetail{
			Data:     attrs.Data,
			Metadata: attrs.Metadata,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Ref returns the node's queue/event reference.
func (n *Node) Ref() Ref {
	return NodeRef(n.ID)
}

// ParentRef resolves the node's parent as an event target.
func (n *Node) ParentRef() Ref {
	if n.ParentID != nil {
		return NodeRef(*n.ParentID)
	}

	return WorkflowRef(n.WorkflowID)
}

// ClientPayload is the body pushed to the external client on dispatch.
func (n *Node) ClientPayload() map[string]any {
	return map[string]any{
		"id":            n.ID,
		"workflow_id":   n.WorkflowID,
		"name":          n.Name,
		"kind":          string(n.Kind),
		"client_status": string(n.CurrentClientStatus),
		"data":          n.ClientDetail.Data,
		"metadata":      n.ClientDetail.Metadata,
	}
}
