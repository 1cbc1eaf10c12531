package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the UI-facing state of a node during an execution.
type NodeStatus string

const (
	NodeStatusInitial NodeStatus = "initial"
	NodeStatusLoading NodeStatus = "loading"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// StatusTopic is the only topic status messages are published on.
const StatusTopic = "status"

// StatusMessage reports a node status change to subscribers.
type StatusMessage struct {
	Channel     string     `json:"channel"`
	Topic       string     `json:"topic"`
	NodeID      string     `json:"nodeId"`
	Status      NodeStatus `json:"status"`
	ExecutionID string     `json:"executionId,omitempty"`
	Seq         uint64     `json:"seq,omitempty"`
	Time        time.Time  `json:"time"`
}

// PublishFunc publishes a node status on the executor's channel.
// Implementations are fire-and-forget: failures are logged, never returned.
type PublishFunc func(ctx context.Context, channel, nodeID string, status NodeStatus)

// StepFunc performs a side effect and returns a JSON-serializable result.
type StepFunc func(ctx context.Context) (any, error)

// StepRunner runs labeled side effects with at-most-once-per-success semantics.
// A step whose result was recorded in an earlier attempt of the same event
// returns the recorded result without calling fn again.
type StepRunner interface {
	Run(ctx context.Context, label string, fn StepFunc) (json.RawMessage, error)
}

// RunStep runs fn as a step and decodes its recorded result into T.
// Results always pass through JSON so a replay yields the same value as the first run.
func RunStep[T any](ctx context.Context, step StepRunner, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := step.Run(ctx, label, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode step %q result: %w", label, err)
	}
	return out, nil
}

// CredentialLookup resolves a credential by id, scoped to its owner.
// ok is false when no such credential belongs to userID.
type CredentialLookup interface {
	GetCredential(ctx context.Context, userID, id string) (cred Credential, ok bool, err error)
}

// ExecuteInput is everything an executor receives for one node.
type ExecuteInput struct {
	Data    map[string]any
	NodeID  string
	UserID  string
	Context WorkflowContext
	Step    StepRunner
	Publish PublishFunc
}

// Executor performs the work of one node type.
// It returns a new context; the input context is never modified.
type Executor interface {
	Execute(ctx context.Context, in ExecuteInput) (WorkflowContext, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in ExecuteInput) (WorkflowContext, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in ExecuteInput) (WorkflowContext, error) {
	return f(ctx, in)
}
