package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/petal-labs/flowforge/core"
)

// SSEHandler serves node status messages as Server-Sent Events.
//
// SSE format:
//
//	id: {seq}
//	event: {topic}
//	data: {json}
//
// A heartbeat comment ": ping" is sent every Heartbeat interval. When an
// execution_id is given, messages already stored for that execution are
// replayed first.
type SSEHandler struct {
	cfg Config
}

// NewSSEHandler creates an SSEHandler.
func NewSSEHandler(cfg Config) *SSEHandler {
	return &SSEHandler{cfg: cfg.withDefaults()}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r, h.cfg.Tokens)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := h.cfg.Bus.Subscribe(ctx, req.filter)
	if err != nil {
		h.cfg.Logger.Error("realtime subscribe failed", "channel", req.filter.Channel, "error", err)
		writeRequestError(w, &requestError{http.StatusServiceUnavailable, "UNAVAILABLE", "subscription failed"})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.cfg.Logger.Debug("sse stream opened",
		"user_id", req.claims.UserID,
		"channel", req.filter.Channel,
		"execution_id", req.filter.ExecutionID,
	)

	rl := relay{
		cfg: h.cfg,
		req: req,
		send: func(_ context.Context, msg core.StatusMessage) error {
			if err := writeSSEMessage(w, msg); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		ping: func(context.Context) error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	}
	if err := rl.run(ctx, sub); err != nil {
		h.cfg.Logger.Debug("sse stream closed", "channel", req.filter.Channel, "error", err)
	}
}

// writeSSEMessage writes a single message in SSE format.
func writeSSEMessage(w http.ResponseWriter, msg core.StatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Topic, data)
	return err
}
