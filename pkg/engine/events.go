// Package engine implements the node execution engine: the server facade,
// the event processors that drive the dual state machine, the scheduling
// policies, and the tree queries that decide child readiness and
// completion propagation.
package engine

import (
	"context"
	"fmt"

	"github.com/dukex/maestro/pkg/models"
)

// Event identifies one state-machine transition function. The set is
// closed: dispatch goes through the eventTable below.
type Event string

const (
	EventMarkChildrenReady       Event = "mark_children_ready"
	EventChildrenReady           Event = "children_ready"
	EventScheduleNextNode        Event = "schedule_next_node"
	EventStartNode               Event = "start_node"
	EventClientProcessing        Event = "client_processing"
	EventClientComplete          Event = "client_complete"
	EventNodeComplete            Event = "node_complete"
	EventClientError             Event = "client_error"
	EventRetryNode               Event = "retry_node"
	EventResetNode               Event = "reset_node"
	EventCancelNode              Event = "cancel_node"
	EventDeactivatePreviousNodes Event = "deactivate_previous_nodes"
)

// SchedulePolicy decides when and how a processor invocation runs.
type SchedulePolicy string

const (
	// ScheduleNow executes inline within the current call stack.
	ScheduleNow SchedulePolicy = "now"
	// ScheduleAt enqueues for execution no earlier than node.FiresAt.
	ScheduleAt SchedulePolicy = "at"
	// ScheduleInterval enqueues for now + node.Detail.RetryInterval.
	ScheduleInterval SchedulePolicy = "interval"
	// ScheduleBackoff enqueues for now + the configured backoff delay.
	ScheduleBackoff SchedulePolicy = "backoff"
	// ScheduleAsync enqueues for immediate execution on a free worker.
	ScheduleAsync SchedulePolicy = "async"
)

type processorFunc func(s *Server, ctx context.Context, target *target) error

type eventSpec struct {
	process processorFunc
	policy  SchedulePolicy
	retries int
}

// eventTable is the closed dispatch table: processor, default scheduler,
// and business retry budget per event. Populated in init because the
// processor bodies call FireEvent, which reads the table back.
var eventTable map[Event]eventSpec

func init() {
	eventTable = map[Event]eventSpec{
		EventMarkChildrenReady:       {process: (*Server).markChildrenReady, policy: ScheduleNow},
		EventChildrenReady:           {process: (*Server).childrenReady, policy: ScheduleNow},
		EventScheduleNextNode:        {process: (*Server).scheduleNextNode, policy: ScheduleAsync, retries: models.DefaultRetries},
		EventStartNode:               {process: (*Server).startNode, policy: ScheduleAt, retries: models.DefaultRetries},
		EventClientProcessing:        {process: (*Server).clientProcessing, policy: ScheduleNow},
		EventClientComplete:          {process: (*Server).clientComplete, policy: ScheduleNow},
		EventNodeComplete:            {process: (*Server).nodeComplete, policy: ScheduleNow},
		EventClientError:             {process: (*Server).clientError, policy: ScheduleNow},
		EventRetryNode:               {process: (*Server).retryNode, policy: ScheduleInterval, retries: models.DefaultRetries},
		EventResetNode:               {process: (*Server).resetNode, policy: ScheduleNow},
		EventCancelNode:              {process: (*Server).cancelNode, policy: ScheduleNow},
		EventDeactivatePreviousNodes: {process: (*Server).deactivatePreviousNodes, policy: ScheduleNow},
	}
}

// EventByID resolves a queue job's event identifier back to an Event.
func EventByID(id string) (Event, error) {
	event := Event(id)
	if _, ok := eventTable[event]; !ok {
		return "", fmt.Errorf("unknown event %q", id)
	}

	return event, nil
}

// target is a resolved event destination: a node, or a workflow acting as
// the parent of its root-level nodes.
type target struct {
	ref      models.Ref
	node     *models.Node     // nil when ref points at a workflow
	workflow *models.Workflow // always set
	response map[string]any   // client callback body, when the event carried one
}

func (t *target) isNode() bool {
	return t.node != nil
}
