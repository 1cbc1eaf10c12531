package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/flowforge/bus"
	"github.com/petal-labs/flowforge/core"
)

// HeartbeatInterval is the default interval between keep-alive frames.
const HeartbeatInterval = 15 * time.Second

// Config is shared by the SSE and WebSocket handlers.
type Config struct {
	Bus    bus.Bus
	Tokens *TokenIssuer

	// Store enables replay of an execution's earlier messages. Optional.
	Store bus.EventStore

	// Heartbeat overrides HeartbeatInterval.
	Heartbeat time.Duration

	// OriginPatterns lists hosts allowed to open WebSockets cross-origin.
	OriginPatterns []string

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = HeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// request is a parsed subscription request.
type request struct {
	claims   *Claims
	filter   bus.Filter
	afterSeq uint64
}

type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

// parseRequest authorises and parses a subscription request.
//
//	?token=..&channel=..[&topic=status][&execution_id=..][&after=seq]
//
// The token may also be sent as "Authorization: Bearer <token>".
func parseRequest(r *http.Request, tokens *TokenIssuer) (request, error) {
	q := r.URL.Query()

	raw := q.Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if strings.TrimSpace(raw) == "" {
		return request{}, &requestError{http.StatusUnauthorized, "UNAUTHORIZED", "missing subscription token"}
	}
	if tokens == nil {
		return request{}, &requestError{http.StatusServiceUnavailable, "UNAVAILABLE", "realtime tokens are not configured"}
	}
	claims, err := tokens.Verify(raw)
	if err != nil {
		return request{}, &requestError{http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token"}
	}

	channel := strings.TrimSpace(q.Get("channel"))
	if channel == "" {
		return request{}, &requestError{http.StatusBadRequest, "INVALID_REQUEST", "channel is required"}
	}
	if !claims.Allows(channel) {
		return request{}, &requestError{http.StatusForbidden, "FORBIDDEN", "token does not grant channel " + channel}
	}
	topic := strings.TrimSpace(q.Get("topic"))
	if topic == "" {
		topic = core.StatusTopic
	}

	var after uint64
	if s := q.Get("after"); s != "" {
		after, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return request{}, &requestError{http.StatusBadRequest, "INVALID_REQUEST", "invalid after parameter"}
		}
	}

	return request{
		claims: claims,
		filter: bus.Filter{
			Channel:     channel,
			Topic:       topic,
			ExecutionID: strings.TrimSpace(q.Get("execution_id")),
		},
		afterSeq: after,
	}, nil
}

func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if !errors.As(err, &re) {
		re = &requestError{http.StatusInternalServerError, "INTERNAL_ERROR", err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(re.status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": re.code, "message": re.message},
	})
}

// relay delivers stored and live messages for req until ctx is done or the
// subscription closes. The subscription is opened before replay so nothing
// published in between is missed; duplicates are skipped by Seq.
type relay struct {
	cfg  Config
	req  request
	send func(ctx context.Context, msg core.StatusMessage) error
	ping func(ctx context.Context) error
}

func (rl relay) run(ctx context.Context, sub bus.Subscription) error {
	lastSeq := rl.req.afterSeq
	replaying := rl.req.filter.ExecutionID != ""

	if replaying && rl.cfg.Store != nil {
		stored, err := rl.cfg.Store.List(ctx, rl.req.filter.ExecutionID, rl.req.afterSeq, 0)
		if err != nil {
			return err
		}
		for _, msg := range stored {
			if !rl.req.filter.Match(msg) {
				continue
			}
			if err := rl.send(ctx, msg); err != nil {
				return err
			}
			if msg.Seq > lastSeq {
				lastSeq = msg.Seq
			}
		}
	}

	heartbeat := time.NewTicker(rl.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			// Seq is per execution, so it only orders a single-execution stream.
			if replaying && msg.Seq != 0 && msg.Seq <= lastSeq {
				continue
			}
			if err := rl.send(ctx, msg); err != nil {
				return err
			}
			if replaying && msg.Seq > lastSeq {
				lastSeq = msg.Seq
			}
		case <-heartbeat.C:
			if err := rl.ping(ctx); err != nil {
				return err
			}
		}
	}
}
