package graph

import (
	"errors"
	"fmt"

	"github.com/petal-labs/flowforge/core"
)

// Diagnostic represents a validation error or warning for a workflow graph.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic codes.
const (
	CodeUnknownEndpoint = "GR-001"
	CodeOrphanNode      = "GR-002"
	CodeUnknownType     = "GR-003"
	CodeCycle           = "GR-004"
	CodeDuplicateID     = "GR-005"
	CodeMissingID       = "GR-006"
	CodeNoTrigger       = "GR-007"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate checks structural integrity of a node/connection set:
//   - GR-001: connection endpoints reference existing nodes
//   - GR-002: orphan nodes (warning)
//   - GR-003: node type is a known NodeType
//   - GR-004: cycle detection
//   - GR-005: duplicate node IDs
//   - GR-006: node ID is present
//   - GR-007: no trigger node (warning)
func Validate(nodes []core.Node, connections []core.Connection) []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(nodes))
	hasTrigger := false
	for i, node := range nodes {
		if node.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     CodeMissingID,
				Severity: SeverityError,
				Message:  "Node ID is required",
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
			continue
		}
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     CodeDuplicateID,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if !node.Type.Valid() {
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownType,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
		}
		if node.Type.IsTrigger() {
			hasTrigger = true
		}
	}

	edgeRefErrors := false
	for i, c := range connections {
		if !nodeIDs[c.FromNodeID] {
			edgeRefErrors = true
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownEndpoint,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection source %q references unknown node", c.FromNodeID),
				Path:     fmt.Sprintf("connections[%d].fromNodeId", i),
			})
		}
		if !nodeIDs[c.ToNodeID] {
			edgeRefErrors = true
			diags = append(diags, Diagnostic{
				Code:     CodeUnknownEndpoint,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection target %q references unknown node", c.ToNodeID),
				Path:     fmt.Sprintf("connections[%d].toNodeId", i),
			})
		}
	}

	if len(nodes) > 0 && !hasTrigger {
		diags = append(diags, Diagnostic{
			Code:     CodeNoTrigger,
			Severity: SeverityWarning,
			Message:  "Workflow has no trigger node",
		})
	}

	// Orphans: nodes with no inbound and no outbound connections.
	if len(nodes) > 1 {
		linked := make(map[string]bool)
		for _, c := range connections {
			linked[c.FromNodeID] = true
			linked[c.ToNodeID] = true
		}
		for i, node := range nodes {
			if node.ID != "" && !linked[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     CodeOrphanNode,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound connections", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	// Only look for cycles when every edge resolves, to avoid confusing reports.
	if !edgeRefErrors {
		if _, err := Sort(nodes, connections); err != nil {
			var cyc *core.CyclicGraphError
			if errors.As(err, &cyc) {
				diags = append(diags, Diagnostic{
					Code:     CodeCycle,
					Severity: SeverityError,
					Message:  fmt.Sprintf("Graph contains a cycle: nodes involved: %v", cyc.Remaining),
				})
			}
		}
	}

	return diags
}
