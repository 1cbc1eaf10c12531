package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/petal-labs/flowforge/core"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler serves node status messages over a WebSocket, one JSON message
// per frame. Client frames are ignored; closing the socket ends the
// subscription.
type WSHandler struct {
	cfg Config
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(cfg Config) *WSHandler {
	return &WSHandler{cfg: cfg.withDefaults()}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r, h.cfg.Tokens)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.cfg.Logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub, err := h.cfg.Bus.Subscribe(ctx, req.filter)
	if err != nil {
		h.cfg.Logger.Error("realtime subscribe failed", "channel", req.filter.Channel, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Close()

	rl := relay{
		cfg: h.cfg,
		req: req,
		send: func(ctx context.Context, msg core.StatusMessage) error {
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return wsjson.Write(wctx, conn, msg)
		},
		ping: func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return conn.Ping(pctx)
		},
	}
	err = rl.run(ctx, sub)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Peer already closed.
	default:
		h.cfg.Logger.Debug("websocket stream closed", "channel", req.filter.Channel, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}
