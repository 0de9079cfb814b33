// Package web provides HTTP request and response types for the
// orchestration API.
package web

import (
	"time"

	"github.com/dukex/maestro/pkg/models"
)

// CreateUserRequest registers an external tenant with its three callback
// endpoints.
type CreateUserRequest struct {
	DecisionEndpoint     string `json:"decision_endpoint"     validate:"required,url"`
	ActivityEndpoint     string `json:"activity_endpoint"     validate:"required,url"`
	NotificationEndpoint string `json:"notification_endpoint" validate:"required,url"`
}

func (r CreateUserRequest) toAttrs() models.UserAttrs {
	return models.UserAttrs{
		DecisionEndpoint:     r.DecisionEndpoint,
		ActivityEndpoint:     r.ActivityEndpoint,
		NotificationEndpoint: r.NotificationEndpoint,
	}
}

// CreateWorkflowRequest represents the request body for creating a new
// workflow. The same quadruple always resolves to the same workflow.
type CreateWorkflowRequest struct {
	UserID  string         `json:"user_id" validate:"required,uuid"`
	Name    string         `json:"name"    validate:"required,min=1"`
	Decider string         `json:"decider" validate:"required"`
	Subject map[string]any `json:"subject" validate:"required"`
}

// CreateNodeRequest represents the request body for signals and for
// client-submitted children.
type CreateNodeRequest struct {
	Name            string         `json:"name"              validate:"required,min=1"`
	Kind            string         `json:"kind"              validate:"required,oneof=decision activity branch timer flag signal"`
	Mode            string         `json:"mode"              validate:"omitempty,oneof=blocking non_blocking fire_and_forget"`
	FiresAt         *time.Time     `json:"fires_at,omitempty"`
	Retries         *int           `json:"retries,omitempty"          validate:"omitempty,gte=0"`
	RetryIntervalMs *int64         `json:"retry_interval_ms,omitempty" validate:"omitempty,gte=0"`
	CompleteBy      *time.Time     `json:"complete_by,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (r CreateNodeRequest) toAttrs() models.NodeAttrs {
	attrs := models.NodeAttrs{
		Name:       r.Name,
		Kind:       models.NodeKind(r.Kind),
		Mode:       models.NodeMode(r.Mode),
		Retries:    r.Retries,
		CompleteBy: r.CompleteBy,
		Data:       r.Data,
		Metadata:   r.Metadata,
	}

	if r.FiresAt != nil {
		attrs.FiresAt = *r.FiresAt
	}

	if r.RetryIntervalMs != nil {
		interval := time.Duration(*r.RetryIntervalMs) * time.Millisecond
		attrs.RetryInterval = &interval
	}

	return attrs
}

// NodeStatusUpdateRequest is the client callback body reporting progress
// on a dispatched node.
type NodeStatusUpdateRequest struct {
	Status   string         `json:"status" validate:"required,oneof=processing complete errored"`
	Response map[string]any `json:"response,omitempty"`
}
