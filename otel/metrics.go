package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/flowforge/runtime"
)

// MetricsHandler translates lifecycle events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures, and
// execution durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	execDuration   metric.Float64Histogram
	executions     metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("flowforge.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("flowforge.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("flowforge.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	execDur, err := meter.Float64Histogram("flowforge.execution.duration",
		metric.WithDescription("Duration of a workflow execution attempt in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	execs, err := meter.Int64Counter("flowforge.executions",
		metric.WithDescription("Number of execution attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		execDuration:   execDur,
		executions:     execs,
	}, nil
}

// Handle processes an event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventNodeFinished:
		h.handleNodeFinished(e)
	case runtime.EventNodeFailed:
		h.handleNodeFailed(e)
	case runtime.EventExecutionFinished:
		h.handleExecutionFinished(e)
	}
}

// handleNodeFinished increments the execution counter and records duration.
func (h *MetricsHandler) handleNodeFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("node_type", string(e.NodeType)))
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleNodeFailed increments the failure counter.
func (h *MetricsHandler) handleNodeFailed(e runtime.Event) {
	ctx := context.Background()
	retriable, _ := e.Payload["retriable"].(bool)
	h.nodeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.Bool("retriable", retriable),
	))
}

// handleExecutionFinished records the execution duration and outcome.
func (h *MetricsHandler) handleExecutionFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("workflow_id", e.WorkflowID),
		attribute.String("status", payloadString(e, "status", "unknown")),
	)
	h.execDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	h.executions.Add(ctx, 1, attrs)
}
