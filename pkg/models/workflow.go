package models

import (
	"time"

	"github.com/google/uuid"
)

// Workflow is the root container of one node tree. It behaves as the
// parent of every node with a nil ParentID.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"    validate:"required,min=1"`
	Decider   string         `json:"decider" validate:"required"`
	Subject   map[string]any `json:"subject" validate:"required"`
	UserID    string         `json:"user_id"`
	Complete  bool           `json:"complete"`
	Paused    bool           `json:"paused"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkflowAttrs are the caller-supplied attributes for CreateWorkflow.
// The (subject, name, decider, user) quadruple is unique.
type WorkflowAttrs struct {
	Name    string         `json:"name"    validate:"required,min=1"`
	Decider string         `json:"decider" validate:"required"`
	Subject map[string]any `json:"subject" validate:"required"`
}

func NewWorkflow(userID string, attrs WorkflowAttrs) *Workflow {
	now := time.Now().UTC()

	return &Workflow{
		ID:        uuid.New().String(),
		Name:      attrs.Name,
		Decider:   attrs.Decider,
		Subject:   attrs.Subject,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (w *Workflow) Ref() Ref {
	return WorkflowRef(w.ID)
}
