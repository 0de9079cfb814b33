package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns a namespace of workflows and holds the three callback
// endpoints the gateway dispatches to. Created once per external tenant;
// immutable apart from endpoint rotation.
type User struct {
	ID                   string    `json:"id"`
	DecisionEndpoint     string    `json:"decision_endpoint"     validate:"required,url"`
	ActivityEndpoint     string    `json:"activity_endpoint"     validate:"required,url"`
	NotificationEndpoint string    `json:"notification_endpoint" validate:"required,url"`
	CreatedAt            time.Time `json:"created_at"`
}

// UserAttrs are the caller-supplied attributes for user registration and
// endpoint rotation.
type UserAttrs struct {
	DecisionEndpoint     string `json:"decision_endpoint"     validate:"required,url"`
	ActivityEndpoint     string `json:"activity_endpoint"     validate:"required,url"`
	NotificationEndpoint string `json:"notification_endpoint" validate:"required,url"`
}

func NewUser(attrs UserAttrs) *User {
	return &User{
		ID:                   uuid.New().String(),
		DecisionEndpoint:     attrs.DecisionEndpoint,
		ActivityEndpoint:     attrs.ActivityEndpoint,
		NotificationEndpoint: attrs.NotificationEndpoint,
		CreatedAt:            time.Now().UTC(),
	}
}

// EndpointFor picks the callback endpoint matching a node's kind.
// Decisions go to the decider; everything else is activity work.
func (u *User) EndpointFor(kind NodeKind) string {
	if kind == NodeKindDecision {
		return u.DecisionEndpoint
	}

	return u.ActivityEndpoint
}
