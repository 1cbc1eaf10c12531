package core

import (
	"errors"
	"fmt"
)

// Not-found sentinels shared by storage implementations. Sources that cannot
// find a workflow or execution must return an error matching these with
// errors.Is so the runtime can stop retrying.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// nonRetriable is implemented by errors that must not be retried.
type nonRetriable interface {
	NonRetriable() bool
}

// IsNonRetriable reports whether any error in err's chain is marked non-retriable.
func IsNonRetriable(err error) bool {
	var nr nonRetriable
	if errors.As(err, &nr) {
		return nr.NonRetriable()
	}
	return false
}

// NonRetriableError is a failure that will not succeed on retry,
// such as missing configuration or a missing credential.
type NonRetriableError struct {
	Message string
	Cause   error
}

// NewNonRetriable creates a NonRetriableError with a formatted message.
func NewNonRetriable(format string, args ...any) *NonRetriableError {
	return &NonRetriableError{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *NonRetriableError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *NonRetriableError) Unwrap() error { return e.Cause }

// NonRetriable marks the error as permanent.
func (e *NonRetriableError) NonRetriable() bool { return true }

// CyclicGraphError is returned when the connections of a workflow form a cycle.
type CyclicGraphError struct {
	// Remaining lists the node ids that could not be ordered.
	Remaining []string
}

func (e *CyclicGraphError) Error() string { return "Workflow contains a cycle" }

// NonRetriable marks the error as permanent.
func (e *CyclicGraphError) NonRetriable() bool { return true }

// UnknownNodeTypeError is returned when no executor is registered for a node type.
type UnknownNodeTypeError struct {
	Type NodeType
}

func (e *UnknownNodeTypeError) Error() string {
	return "No executor node found for node type: " + string(e.Type)
}

// NonRetriable marks the error as permanent.
func (e *UnknownNodeTypeError) NonRetriable() bool { return true }
