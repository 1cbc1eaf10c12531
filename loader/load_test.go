package loader

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/graph"
)

func testdataPath(name string) string {
	return filepath.Join("testdata", name)
}

func TestLoad_JSON(t *testing.T) {
	def, err := Load(testdataPath("greet.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Name != "greet" {
		t.Errorf("Name = %q, want %q", def.Name, "greet")
	}
	if len(def.Nodes) != 2 || len(def.Connections) != 1 {
		t.Fatalf("nodes = %d, connections = %d", len(def.Nodes), len(def.Connections))
	}
	if def.Nodes[1].Type != core.NodeTypeSlack {
		t.Errorf("node type = %q, want %q", def.Nodes[1].Type, core.NodeTypeSlack)
	}
	if c := def.Connections[0]; c.FromOutput != core.DefaultPort || c.ToInput != core.DefaultPort {
		t.Errorf("ports = %q/%q", c.FromOutput, c.ToInput)
	}
	if def.InitialData["name"] != "Ada" {
		t.Errorf("initialData = %v", def.InitialData)
	}
}

func TestLoad_YAML(t *testing.T) {
	def, err := Load(testdataPath("greet.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Name != "greet-yaml" {
		t.Errorf("Name = %q", def.Name)
	}
	if def.Nodes[0].Type != core.NodeTypeManualTrigger {
		t.Errorf("node type = %q", def.Nodes[0].Type)
	}
	if c := def.Connections[0]; c.FromOutput != "out" || c.ToInput != core.DefaultPort {
		t.Errorf("ports = %q/%q", c.FromOutput, c.ToInput)
	}
	if got := def.Nodes[1].Data["variableName"]; got != "user" {
		t.Errorf("variableName = %v", got)
	}
	// YAML integers pass through JSON as float64.
	if def.InitialData["userId"] != float64(42) {
		t.Errorf("initialData = %v", def.InitialData)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	_, err := Load(testdataPath("broken.json"))
	var diagErr *DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("Load() error = %v, want *DiagnosticError", err)
	}

	codes := make(map[string]bool)
	for _, d := range graph.Errors(diagErr.Diagnostics) {
		codes[d.Code] = true
	}
	for _, want := range []string{graph.CodeUnknownEndpoint, graph.CodeUnknownType, graph.CodeDuplicateID} {
		if !codes[want] {
			t.Errorf("missing diagnostic %s in %v", want, diagErr.Diagnostics)
		}
	}
}

func TestLoadFile_SkipsValidation(t *testing.T) {
	def, err := LoadFile(testdataPath("broken.json"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !graph.HasErrors(def.Validate()) {
		t.Fatal("expected validation errors")
	}
}

func TestLoad_NotAWorkflow(t *testing.T) {
	if _, err := Load(testdataPath("not_a_workflow.json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(testdataPath("nonexistent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`{invalid`), FormatJSON); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDefinition_Workflow(t *testing.T) {
	def, err := Load(testdataPath("greet.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	wf := def.Workflow("wf-1", "local")
	if wf.ID != "wf-1" || wf.UserID != "local" || wf.Name != "greet" {
		t.Fatalf("workflow = %+v", wf)
	}
	for _, n := range wf.Nodes {
		if n.WorkflowID != "wf-1" {
			t.Fatalf("node %s workflow id = %q", n.ID, n.WorkflowID)
		}
	}
	if def.Nodes[0].WorkflowID != "" {
		t.Fatal("Workflow must not modify the definition")
	}

	def.Name = ""
	if got := def.Workflow("wf-2", "local").Name; got != "wf-2" {
		t.Fatalf("default name = %q", got)
	}
}

func TestDiagnosticError_Message(t *testing.T) {
	one := &DiagnosticError{Diagnostics: []graph.Diagnostic{
		{Code: graph.CodeUnknownType, Severity: graph.SeverityError, Message: "bad type"},
		{Code: graph.CodeOrphanNode, Severity: graph.SeverityWarning, Message: "orphan"},
	}}
	if got := one.Error(); got != "validation error: bad type" {
		t.Errorf("Error() = %q", got)
	}
	two := &DiagnosticError{Diagnostics: []graph.Diagnostic{
		{Severity: graph.SeverityError, Message: "a"},
		{Severity: graph.SeverityError, Message: "b"},
	}}
	if got := two.Error(); got != "2 validation errors (first: a)" {
		t.Errorf("Error() = %q", got)
	}
}
