package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/flowforge/core"
	flowotel "github.com/petal-labs/flowforge/otel"
	"github.com/petal-labs/flowforge/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func execEvent(kind runtime.EventKind, at time.Time, payload map[string]any) runtime.Event {
	return runtime.Event{
		Kind:        kind,
		ExecutionID: "exec-1",
		EventID:     "evt-1",
		WorkflowID:  "wf-1",
		Time:        at,
		Payload:     payload,
	}
}

func nodeEvent(kind runtime.EventKind, nodeID string, at time.Time, payload map[string]any) runtime.Event {
	e := execEvent(kind, at, payload)
	e.NodeID = nodeID
	e.NodeType = core.NodeTypeHTTPRequest
	return e
}

func attrValue(span tracetest.SpanStub, key string) (string, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value.Emit(), true
		}
	}
	return "", false
}

func TestTracingHandler_ExecutionSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(execEvent(runtime.EventExecutionStarted, now, nil))

	if !h.ActiveExecutionSpanContext("exec-1").IsValid() {
		t.Fatal("expected valid execution span context after execution.started")
	}

	finished := execEvent(runtime.EventExecutionFinished, now.Add(100*time.Millisecond), map[string]any{"status": "completed"})
	finished.Elapsed = 100 * time.Millisecond
	h.Handle(finished)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "execution:wf-1" {
		t.Errorf("span name = %q", span.Name)
	}
	if v, _ := attrValue(span, "flowforge.execution_id"); v != "exec-1" {
		t.Errorf("flowforge.execution_id = %q", v)
	}
	if v, _ := attrValue(span, "flowforge.status"); v != "completed" {
		t.Errorf("flowforge.status = %q", v)
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status code = %v", span.Status.Code)
	}
	if h.ActiveExecutionSpanContext("exec-1").IsValid() {
		t.Error("execution span still active after execution.finished")
	}
}

func TestTracingHandler_NodeSpansAreChildren(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(execEvent(runtime.EventExecutionStarted, now, nil))
	h.Handle(nodeEvent(runtime.EventNodeStarted, "node-a", now.Add(time.Millisecond), nil))

	if !h.ActiveSpanContext("exec-1", "node-a").IsValid() {
		t.Fatal("expected active node span")
	}

	h.Handle(nodeEvent(runtime.EventNodeFinished, "node-a", now.Add(5*time.Millisecond), nil))
	h.Handle(execEvent(runtime.EventExecutionFinished, now.Add(10*time.Millisecond), map[string]any{"status": "completed"}))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	node, exec := spans[0], spans[1]
	if node.Name != "node:node-a" {
		t.Fatalf("first ended span = %q, want node:node-a", node.Name)
	}
	if node.Parent.SpanID() != exec.SpanContext.SpanID() {
		t.Error("node span is not a child of the execution span")
	}
	if v, _ := attrValue(node, "flowforge.node_type"); v != "HTTP_REQUEST" {
		t.Errorf("flowforge.node_type = %q", v)
	}
}

func TestTracingHandler_NodeFailedRecordsError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(execEvent(runtime.EventExecutionStarted, now, nil))
	h.Handle(nodeEvent(runtime.EventNodeStarted, "node-a", now, nil))
	h.Handle(nodeEvent(runtime.EventNodeFailed, "node-a", now.Add(time.Millisecond), map[string]any{
		"error":     "HTTP request node: No endpoint configured",
		"retriable": false,
	}))
	h.Handle(execEvent(runtime.EventExecutionFinished, now.Add(2*time.Millisecond), map[string]any{
		"status": "failed",
		"error":  "HTTP request node: No endpoint configured",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	node, exec := spans[0], spans[1]
	if node.Status.Code != otelcodes.Error || node.Status.Description != "HTTP request node: No endpoint configured" {
		t.Errorf("node status = %+v", node.Status)
	}
	if len(node.Events) == 0 || node.Events[0].Name != "exception" {
		t.Errorf("node events = %+v, want recorded exception", node.Events)
	}
	if v, _ := attrValue(node, "flowforge.retriable"); v != "false" {
		t.Errorf("flowforge.retriable = %q", v)
	}
	if exec.Status.Code != otelcodes.Error {
		t.Errorf("execution status = %+v", exec.Status)
	}
}

func TestTracingHandler_NewAttemptEndsStaleSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(execEvent(runtime.EventExecutionStarted, now, nil))
	h.Handle(execEvent(runtime.EventExecutionStarted, now.Add(time.Second), nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != otelcodes.Error {
		t.Fatalf("spans = %+v, want the stale attempt ended with an error", spans)
	}
	if !h.ActiveExecutionSpanContext("exec-1").IsValid() {
		t.Fatal("second attempt span not active")
	}
}

func TestTracingHandler_UnmatchedEventsAreIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(nodeEvent(runtime.EventNodeFinished, "ghost", now, nil))
	h.Handle(nodeEvent(runtime.EventNodeFailed, "ghost", now, map[string]any{"error": "x"}))
	h.Handle(execEvent(runtime.EventExecutionFinished, now, map[string]any{"status": "completed"}))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}
}

func TestTracingHandler_NodeWithoutExecutionSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(nodeEvent(runtime.EventNodeStarted, "orphan", now, nil))
	h.Handle(nodeEvent(runtime.EventNodeFinished, "orphan", now.Add(time.Millisecond), nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Parent.IsValid() {
		t.Error("orphan node span should be a root span")
	}
}
