package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParseNodeType(t *testing.T) {
	tests := []struct {
		in      string
		want    NodeType
		wantErr bool
	}{
		{"HTTP_REQUEST", NodeTypeHTTPRequest, false},
		{"http_request", NodeTypeHTTPRequest, false},
		{" slack ", NodeTypeSlack, false},
		{"TELEGRAM", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseNodeType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseNodeType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseNodeType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllNodeTypes_ReturnsCopy(t *testing.T) {
	a := AllNodeTypes()
	a[0] = "MUTATED"
	if AllNodeTypes()[0] != NodeTypeInitial {
		t.Fatal("AllNodeTypes exposes internal slice")
	}
	if len(a) != 10 {
		t.Fatalf("len(AllNodeTypes()) = %d, want 10", len(a))
	}
}

func TestNodeType_IsTrigger(t *testing.T) {
	triggers := map[NodeType]bool{
		NodeTypeInitial:           true,
		NodeTypeManualTrigger:     true,
		NodeTypeGoogleFormTrigger: true,
		NodeTypeStripeTrigger:     true,
	}
	for _, nt := range AllNodeTypes() {
		if nt.IsTrigger() != triggers[nt] {
			t.Errorf("%s.IsTrigger() = %v", nt, nt.IsTrigger())
		}
	}
}

func TestConnection_WithDefaults(t *testing.T) {
	c := Connection{FromNodeID: "a", ToNodeID: "b"}.WithDefaults()
	if c.FromOutput != DefaultPort || c.ToInput != DefaultPort {
		t.Fatalf("ports = %q/%q, want main/main", c.FromOutput, c.ToInput)
	}
	c = Connection{FromOutput: "out", ToInput: "in"}.WithDefaults()
	if c.FromOutput != "out" || c.ToInput != "in" {
		t.Fatalf("explicit ports overwritten: %q/%q", c.FromOutput, c.ToInput)
	}
}

func TestWorkflowContext_WithDoesNotMutate(t *testing.T) {
	base := NewWorkflowContext(map[string]any{"a": 1})
	next := base.With("b", 2)

	if _, ok := base["b"]; ok {
		t.Fatal("With mutated the receiver")
	}
	if next["a"] != 1 || next["b"] != 2 {
		t.Fatalf("next = %v", next)
	}

	over := next.With("a", "replaced")
	if next["a"] != 1 {
		t.Fatal("overwrite leaked into previous context")
	}
	if over["a"] != "replaced" {
		t.Fatalf("over[a] = %v", over["a"])
	}
}

func TestNewWorkflowContext_NilSeed(t *testing.T) {
	c := NewWorkflowContext(nil)
	if c == nil || len(c) != 0 {
		t.Fatalf("NewWorkflowContext(nil) = %#v", c)
	}
}

func TestIsNonRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"non-retriable", NewNonRetriable("missing %s", "field"), true},
		{"cycle", &CyclicGraphError{}, true},
		{"unknown type", &UnknownNodeTypeError{Type: "X"}, true},
		{"wrapped", fmt.Errorf("outer: %w", &CyclicGraphError{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNonRetriable(tt.err); got != tt.want {
				t.Fatalf("IsNonRetriable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (&CyclicGraphError{}).Error(); got != "Workflow contains a cycle" {
		t.Errorf("CyclicGraphError = %q", got)
	}
	if got := (&UnknownNodeTypeError{Type: "TELEGRAM"}).Error(); got != "No executor node found for node type: TELEGRAM" {
		t.Errorf("UnknownNodeTypeError = %q", got)
	}
	cause := errors.New("dial tcp: refused")
	nr := &NonRetriableError{Message: "lookup failed", Cause: cause}
	if nr.Error() != "lookup failed: dial tcp: refused" {
		t.Errorf("NonRetriableError = %q", nr.Error())
	}
	if !errors.Is(nr, cause) {
		t.Error("NonRetriableError does not unwrap to its cause")
	}
}

type recordingStep struct {
	calls int
	saved map[string]json.RawMessage
}

func (s *recordingStep) Run(ctx context.Context, label string, fn StepFunc) (json.RawMessage, error) {
	if raw, ok := s.saved[label]; ok {
		return raw, nil
	}
	s.calls++
	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s.saved[label] = raw
	return raw, nil
}

func TestRunStep_DecodesAndReplays(t *testing.T) {
	type result struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	step := &recordingStep{saved: map[string]json.RawMessage{}}
	fn := func(context.Context) (result, error) {
		return result{Status: 200, Body: "ok"}, nil
	}

	first, err := RunStep(context.Background(), step, "call", fn)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := RunStep(context.Background(), step, "call", fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first != second {
		t.Fatalf("replay = %+v, want %+v", second, first)
	}
	if step.calls != 1 {
		t.Fatalf("fn invoked %d times, want 1", step.calls)
	}
}

func TestRunStep_PropagatesError(t *testing.T) {
	step := &recordingStep{saved: map[string]json.RawMessage{}}
	want := errors.New("upstream 503")
	_, err := RunStep(context.Background(), step, "call", func(context.Context) (int, error) {
		return 0, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
