package models

import "fmt"

// RefKind discriminates what a Ref points at.
type RefKind string

const (
	RefKindNode     RefKind = "node"
	RefKindWorkflow RefKind = "workflow"
)

// Ref is a serialized reference to a node or workflow. Queue jobs carry a
// Ref rather than a full record so the worker always rehydrates fresh
// state instead of acting on a stale snapshot.
type Ref struct {
	Kind RefKind `json:"kind" validate:"required,oneof=node workflow"`
	ID   string  `json:"id"   validate:"required"`
}

func NodeRef(id string) Ref {
	return Ref{Kind: RefKindNode, ID: id}
}

func WorkflowRef(id string) Ref {
	return Ref{Kind: RefKindWorkflow, ID: id}
}

func (r Ref) IsNode() bool {
	return r.Kind == RefKindNode
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}
