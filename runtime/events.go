package runtime

import (
	"time"

	"github.com/petal-labs/flowforge/core"
)

// EventKind identifies the type of lifecycle event emitted by the orchestrator.
type EventKind string

const (
	// EventExecutionStarted is emitted when an attempt of an execution begins.
	EventExecutionStarted EventKind = "execution.started"

	// EventNodeStarted is emitted before a node's executor is called.
	EventNodeStarted EventKind = "node.started"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node returns an error.
	EventNodeFailed EventKind = "node.failed"

	// EventExecutionFinished is emitted when an attempt ends, whether it
	// succeeded or failed. The "status" payload is "completed" or "failed".
	EventExecutionFinished EventKind = "execution.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a lifecycle record of an execution attempt. Events feed tracing,
// metrics and logs; node status for the UI travels on the bus instead.
type Event struct {
	Kind EventKind

	// ExecutionID is the execution record id.
	ExecutionID string

	// EventID is the id of the event that requested the run.
	EventID string

	WorkflowID string

	// NodeID and NodeType are empty for execution-level events.
	NodeID   string
	NodeType core.NodeType

	Time time.Time

	// Elapsed is the duration since the execution or node started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per attempt (1-indexed).
	Seq uint64
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, executionID string) Event {
	return Event{
		Kind:        kind,
		ExecutionID: executionID,
		Time:        time.Now(),
		Payload:     make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeType core.NodeType) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, trace, or record metrics.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
