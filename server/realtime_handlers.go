package server

import (
	"net/http"
	"slices"
	"strings"

	"github.com/petal-labs/flowforge/runtime"
)

type realtimeTokenRequest struct {
	// Channels limits the token. Empty grants every channel.
	Channels []string `json:"channels,omitempty"`
}

// handleRealtimeToken issues a short-lived subscription token for the caller.
func (s *Server) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.tokens == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "realtime subscriptions are not configured")
		return
	}

	var req realtimeTokenRequest
	if err := decodeOptionalJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	known := append(s.registry.Channels(), runtime.ChannelWorkflow)
	channels := make([]string, 0, len(req.Channels))
	for _, ch := range req.Channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if !slices.Contains(known, ch) {
			writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", "unknown status channel: "+ch)
			return
		}
		channels = append(channels, ch)
	}

	token, err := s.tokens.Issue(userID, channels)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleRealtimeStream delegates to a realtime handler. The handlers
// authenticate with the subscription token, not the user header.
func (s *Server) handleRealtimeStream(handler func() http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := handler()
		if h == nil {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "realtime subscriptions are not configured")
			return
		}
		h.ServeHTTP(w, r)
	}
}
