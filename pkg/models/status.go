package models

// ServerStatus is the orchestrator's view of a node's progress.
type ServerStatus string

const (
	ServerStatusPending            ServerStatus = "pending"
	ServerStatusReady              ServerStatus = "ready"
	ServerStatusStarted            ServerStatus = "started"
	ServerStatusSentToClient       ServerStatus = "sent_to_client"
	ServerStatusReceivedFromClient ServerStatus = "received_from_client"
	ServerStatusProcessingChildren ServerStatus = "processing_children"
	ServerStatusComplete           ServerStatus = "complete"
	ServerStatusErrored            ServerStatus = "errored"
	ServerStatusRetrying           ServerStatus = "retrying"
	ServerStatusDeactivated        ServerStatus = "deactivated"
	ServerStatusPaused             ServerStatus = "paused"
)

// ClientStatus is the external actor's view of a node's progress.
type ClientStatus string

const (
	ClientStatusPending    ClientStatus = "pending"
	ClientStatusReady      ClientStatus = "ready"
	ClientStatusReceived   ClientStatus = "received"
	ClientStatusProcessing ClientStatus = "processing"
	ClientStatusComplete   ClientStatus = "complete"
	ClientStatusErrored    ClientStatus = "errored"
)

// StatusType discriminates which side of the dual state machine a
// StatusChange row belongs to.
type StatusType string

const (
	StatusTypeServer StatusType = "server"
	StatusTypeClient StatusType = "client"
)

// Performed reports whether the node has already been dispatched to the
// client (or is past that point). StartNode uses this as its idempotency
// guard under the row lock.
func (s ServerStatus) Performed() bool {
	switch s {
	case ServerStatusSentToClient, ServerStatusProcessingChildren, ServerStatusComplete:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further forward progress is expected.
func (s ServerStatus) Terminal() bool {
	return s == ServerStatusComplete || s == ServerStatusDeactivated
}
