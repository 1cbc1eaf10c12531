package otel

import (
	"context"
	"log/slog"

	"github.com/petal-labs/flowforge/runtime"
)

// LogHandler returns a runtime.EventHandler that logs lifecycle events with
// the trace and span ids of the active span, so log lines can be joined to
// traces. tracing may be nil.
//
// For node events the node span is checked first, falling back to the
// execution span. Place it before the TracingHandler in a
// MultiEventHandler so finishing events still see their span.
func LogHandler(logger *slog.Logger, tracing *TracingHandler) runtime.EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e runtime.Event) {
		level := slog.LevelDebug
		if e.Kind == runtime.EventNodeFailed {
			level = slog.LevelWarn
		}
		if !logger.Enabled(context.Background(), level) {
			return
		}

		attrs := []slog.Attr{
			slog.String("execution_id", e.ExecutionID),
			slog.Uint64("seq", e.Seq),
		}
		if e.NodeID != "" {
			attrs = append(attrs,
				slog.String("node_id", e.NodeID),
				slog.String("node_type", string(e.NodeType)),
			)
		}
		if e.Elapsed > 0 {
			attrs = append(attrs, slog.Duration("elapsed", e.Elapsed))
		}
		if msg, ok := e.Payload["error"].(string); ok {
			attrs = append(attrs, slog.String("error", msg))
		}
		if status, ok := e.Payload["status"].(string); ok {
			attrs = append(attrs, slog.String("status", status))
		}

		if tracing != nil {
			sc := tracing.ActiveSpanContext(e.ExecutionID, e.NodeID)
			if e.NodeID == "" || !sc.IsValid() {
				sc = tracing.ActiveExecutionSpanContext(e.ExecutionID)
			}
			if sc.IsValid() {
				attrs = append(attrs,
					slog.String("trace_id", sc.TraceID().String()),
					slog.String("span_id", sc.SpanID().String()),
				)
			}
		}

		logger.LogAttrs(context.Background(), level, e.Kind.String(), attrs...)
	}
}
