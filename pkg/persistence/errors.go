// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrUserNotFound indicates a user was not found by the given identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNodeNotFound indicates a node was not found by the given identifier.
	ErrNodeNotFound = errors.New("node not found")

	// ErrWorkflowAlreadyExists indicates a workflow with the same
	// (user, name, decider, subject) quadruple already exists.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrStatusConflict indicates the stored statuses no longer match the
	// snapshot a transition was validated against.
	ErrStatusConflict = errors.New("node status conflict")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "WorkflowByID", "Create")
	WorkflowID string // Workflow ID if applicable
	Err        error  // Underlying error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// NodeError wraps node-related errors with additional context.
type NodeError struct {
	Op     string // Operation being performed
	NodeID string // Node ID
	Err    error  // Underlying error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s operation failed for node %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewNodeError creates a new node error with context.
func NewNodeError(op, nodeID string, err error) *NodeError {
	return &NodeError{
		Op:     op,
		NodeID: nodeID,
		Err:    err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsNodeNotFound checks if an error indicates a node was not found.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

// IsNotFound checks if an error indicates any record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrNodeNotFound)
}
