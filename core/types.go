// Package core provides the foundational types and interfaces for FlowForge workflows.
//
// This package contains:
//   - Persistent records: Workflow, Node, Connection, Execution, Credential
//   - The execution context carried between nodes (WorkflowContext)
//   - Contracts: Executor, StepRunner, LLMClient
//   - The non-retriable error taxonomy
package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeType identifies the kind of a workflow node.
// The set is closed: every value must have a registered executor.
type NodeType string

const (
	NodeTypeInitial           NodeType = "INITIAL"
	NodeTypeManualTrigger     NodeType = "MANUAL_TRIGGER"
	NodeTypeGoogleFormTrigger NodeType = "GOOGLE_FORM_TRIGGER"
	NodeTypeStripeTrigger     NodeType = "STRIPE_TRIGGER"
	NodeTypeHTTPRequest       NodeType = "HTTP_REQUEST"
	NodeTypeGemini            NodeType = "GEMINI"
	NodeTypeOpenAI            NodeType = "OPENAI"
	NodeTypeAnthropic         NodeType = "ANTHROPIC"
	NodeTypeDiscord           NodeType = "DISCORD"
	NodeTypeSlack             NodeType = "SLACK"
)

var allNodeTypes = []NodeType{
	NodeTypeInitial,
	NodeTypeManualTrigger,
	NodeTypeGoogleFormTrigger,
	NodeTypeStripeTrigger,
	NodeTypeHTTPRequest,
	NodeTypeGemini,
	NodeTypeOpenAI,
	NodeTypeAnthropic,
	NodeTypeDiscord,
	NodeTypeSlack,
}

// AllNodeTypes returns every member of the NodeType enum in declaration order.
func AllNodeTypes() []NodeType {
	out := make([]NodeType, len(allNodeTypes))
	copy(out, allNodeTypes)
	return out
}

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is a member of the enum.
func (t NodeType) Valid() bool {
	for _, known := range allNodeTypes {
		if known == t {
			return true
		}
	}
	return false
}

// IsTrigger reports whether t starts a workflow rather than acting on it.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeTypeInitial, NodeTypeManualTrigger, NodeTypeGoogleFormTrigger, NodeTypeStripeTrigger:
		return true
	}
	return false
}

// ParseNodeType converts a string to a NodeType, accepting any letter case.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown node type %q", s)
	}
	return t, nil
}

// Position is the editor placement of a node. It has no execution meaning.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a single step of a workflow.
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	WorkflowID string         `json:"workflowId,omitempty" yaml:"workflowId,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type       NodeType       `json:"type" yaml:"type"`
	Data       map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Position   Position       `json:"position" yaml:"position"`
	CreatedAt  time.Time      `json:"createdAt,omitzero" yaml:"-"`
	UpdatedAt  time.Time      `json:"updatedAt,omitzero" yaml:"-"`
}

// DefaultPort is the port label used when a connection does not name one.
const DefaultPort = "main"

// Connection is a directed edge between two nodes. It only constrains ordering.
type Connection struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	WorkflowID string `json:"workflowId,omitempty" yaml:"workflowId,omitempty"`
	FromNodeID string `json:"fromNodeId" yaml:"fromNodeId"`
	ToNodeID   string `json:"toNodeId" yaml:"toNodeId"`
	FromOutput string `json:"fromOutput,omitempty" yaml:"fromOutput,omitempty"`
	ToInput    string `json:"toInput,omitempty" yaml:"toInput,omitempty"`
}

// WithDefaults fills empty port labels with DefaultPort.
func (c Connection) WithDefaults() Connection {
	if c.FromOutput == "" {
		c.FromOutput = DefaultPort
	}
	if c.ToInput == "" {
		c.ToInput = DefaultPort
	}
	return c
}

// Workflow is a user-owned graph of nodes.
type Workflow struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	UserID      string       `json:"userId,omitempty" yaml:"userId,omitempty"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
	CreatedAt   time.Time    `json:"createdAt,omitzero" yaml:"-"`
	UpdatedAt   time.Time    `json:"updatedAt,omitzero" yaml:"-"`
}

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// Execution is the durable record of one workflow run.
type Execution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName,omitempty"`
	EventID      string          `json:"eventId"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorStack   string          `json:"errorStack,omitempty"`
}

// CredentialType names the provider a credential belongs to.
type CredentialType string

const (
	CredentialOpenAI    CredentialType = "OPENAI"
	CredentialAnthropic CredentialType = "ANTHROPIC"
	CredentialGemini    CredentialType = "GEMINI"
)

// Valid reports whether t is a supported credential type.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialOpenAI, CredentialAnthropic, CredentialGemini:
		return true
	}
	return false
}

// Credential is a named, user-owned secret.
type Credential struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      CredentialType `json:"type"`
	Value     string         `json:"-"`
	UserID    string         `json:"userId,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero"`
	UpdatedAt time.Time      `json:"updatedAt,omitzero"`
}

// ExecuteEventName is the event name used to request a workflow run.
const ExecuteEventName = "workflows/execute.workflow"

// EventData is the payload of an execute event.
type EventData struct {
	WorkflowID  string         `json:"workflowId"`
	InitialData map[string]any `json:"initialData,omitempty"`
}

// Event is a request to run a workflow. ID is the idempotency key.
type Event struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Data EventData `json:"data"`
}
