package models

import (
	"time"

	"github.com/google/uuid"
)

// StatusChange is one append-only audit row recording a single status
// transition on a node. Rows are never mutated or deleted.
type StatusChange struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"node_id"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	StatusType StatusType     `json:"status_type"`
	Response   map[string]any `json:"response,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func NewStatusChange(nodeID string, statusType StatusType, from, to string, response map[string]any) *StatusChange {
	return &StatusChange{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		FromStatus: from,
		ToStatus:   to,
		StatusType: statusType,
		Response:   response,
		CreatedAt:  time.Now().UTC(),
	}
}
