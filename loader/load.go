package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/graph"
)

// Definition is a workflow read from a file.
type Definition struct {
	Name        string            `json:"name,omitempty"`
	Nodes       []core.Node       `json:"nodes"`
	Connections []core.Connection `json:"connections"`

	// InitialData is the default trigger payload for local runs.
	InitialData map[string]any `json:"initialData,omitempty"`
}

// Load reads, parses and validates a definition file. Validation errors are
// returned as a *DiagnosticError; warnings are not fatal.
func Load(path string) (*Definition, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if diags := def.Validate(); graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return def, nil
}

// LoadFile reads and parses a definition file without validating the graph.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, DetectFormat(data, path))
}

// Parse decodes a definition. Node types are upper-cased and connection
// ports default to "main".
func Parse(data []byte, format Format) (*Definition, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if err := checkDocument(jsonData); err != nil {
		return nil, err
	}

	var def Definition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	for i := range def.Nodes {
		if t, err := core.ParseNodeType(string(def.Nodes[i].Type)); err == nil {
			def.Nodes[i].Type = t
		}
	}
	for i := range def.Connections {
		def.Connections[i] = def.Connections[i].WithDefaults()
	}
	return &def, nil
}

// Validate runs the graph checks.
func (d *Definition) Validate() []graph.Diagnostic {
	return graph.Validate(d.Nodes, d.Connections)
}

// Workflow converts the definition into a stored workflow shape.
func (d *Definition) Workflow(id, userID string) core.Workflow {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = id
	}
	nodes := make([]core.Node, len(d.Nodes))
	for i, n := range d.Nodes {
		n.WorkflowID = id
		nodes[i] = n
	}
	connections := make([]core.Connection, len(d.Connections))
	for i, c := range d.Connections {
		c.WorkflowID = id
		connections[i] = c
	}
	return core.Workflow{
		ID:          id,
		Name:        name,
		UserID:      userID,
		Nodes:       nodes,
		Connections: connections,
	}
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 0 {
		return "validation failed"
	}
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
