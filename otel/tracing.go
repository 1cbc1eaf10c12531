// Package otel provides OpenTelemetry integration for FlowForge execution events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowforge/runtime"
)

// TracingHandler translates execution lifecycle events into OpenTelemetry
// spans: one span per execution attempt with a child span per node.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	execSpans map[string]trace.Span      // executionID -> span
	execCtxs  map[string]context.Context // executionID -> context (for child spans)
	nodeSpans map[string]trace.Span      // executionID:nodeID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from lifecycle events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		execSpans: make(map[string]trace.Span),
		execCtxs:  make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes an event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventExecutionStarted:
		h.handleExecutionStarted(e)
	case runtime.EventNodeStarted:
		h.handleNodeStarted(e)
	case runtime.EventNodeFinished:
		h.handleNodeFinished(e)
	case runtime.EventNodeFailed:
		h.handleNodeFailed(e)
	case runtime.EventExecutionFinished:
		h.handleExecutionFinished(e)
	}
}

// handleExecutionStarted creates a root span for the execution attempt.
func (h *TracingHandler) handleExecutionStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "execution:"+e.WorkflowID,
		trace.WithAttributes(
			attribute.String("flowforge.execution_id", e.ExecutionID),
			attribute.String("flowforge.event_id", e.EventID),
			attribute.String("flowforge.workflow_id", e.WorkflowID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	prev, exists := h.execSpans[e.ExecutionID]
	h.execSpans[e.ExecutionID] = span
	h.execCtxs[e.ExecutionID] = ctx
	h.mu.Unlock()

	// A previous attempt that never finished.
	if exists {
		prev.SetStatus(codes.Error, "superseded by a new attempt")
		prev.End(trace.WithTimestamp(e.Time))
	}
}

// handleNodeStarted creates a child span under the execution span.
func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.execCtxs[e.ExecutionID]
	h.mu.RUnlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("flowforge.execution_id", e.ExecutionID),
			attribute.String("flowforge.node_id", e.NodeID),
			attribute.String("flowforge.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.ExecutionID + ":" + e.NodeID
	h.mu.Lock()
	h.nodeSpans[key] = span
	h.mu.Unlock()
}

func (h *TracingHandler) takeNodeSpan(e runtime.Event) (trace.Span, bool) {
	key := e.ExecutionID + ":" + e.NodeID

	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	return span, ok
}

// handleNodeFinished ends the node span with success status.
func (h *TracingHandler) handleNodeFinished(e runtime.Event) {
	span, ok := h.takeNodeSpan(e)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("flowforge.duration", e.Elapsed.String()))
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleNodeFailed ends the node span with error status.
func (h *TracingHandler) handleNodeFailed(e runtime.Event) {
	span, ok := h.takeNodeSpan(e)
	if !ok {
		return
	}
	errMsg := payloadString(e, "error", "unknown error")
	if retriable, ok := e.Payload["retriable"].(bool); ok {
		span.SetAttributes(attribute.Bool("flowforge.retriable", retriable))
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleExecutionFinished ends the execution span.
func (h *TracingHandler) handleExecutionFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.execSpans[e.ExecutionID]
	if ok {
		delete(h.execSpans, e.ExecutionID)
		delete(h.execCtxs, e.ExecutionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.String("flowforge.duration", e.Elapsed.String()),
		attribute.String("flowforge.status", status),
	)
	if status == "failed" {
		span.SetStatus(codes.Error, payloadString(e, "error", "execution failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active node span
// identified by executionID and nodeID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(executionID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[executionID+":"+nodeID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveExecutionSpanContext returns the SpanContext for the active
// execution span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveExecutionSpanContext(executionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.execSpans[executionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
