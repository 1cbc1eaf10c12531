package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/realtime"
	"github.com/petal-labs/flowforge/registry"
	"github.com/petal-labs/flowforge/store"
)

// UserHeader carries the caller's identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Enqueuer accepts execute events. durable.Queue implements it.
type Enqueuer interface {
	Send(ctx context.Context, evt core.Event) (core.Event, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Workflows   store.WorkflowStore
	Executions  store.ExecutionStore
	Credentials store.CredentialStore
	Schedules   store.ScheduleStore // optional
	Registry    *registry.Registry
	Queue       Enqueuer

	// Realtime enables the token, SSE and WebSocket routes. Optional.
	Realtime *realtime.Config

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server is the FlowForge HTTP API server.
type Server struct {
	workflows   store.WorkflowStore
	executions  store.ExecutionStore
	credentials store.CredentialStore
	schedules   store.ScheduleStore
	registry    *registry.Registry
	queue       Enqueuer

	tokens *realtime.TokenIssuer
	sse    http.Handler
	ws     http.Handler

	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Workflows == nil:
		return nil, errors.New("server: workflow store is required")
	case cfg.Executions == nil:
		return nil, errors.New("server: execution store is required")
	case cfg.Credentials == nil:
		return nil, errors.New("server: credential store is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: registry is required")
	case cfg.Queue == nil:
		return nil, errors.New("server: queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		workflows:   cfg.Workflows,
		executions:  cfg.Executions,
		credentials: cfg.Credentials,
		schedules:   cfg.Schedules,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		corsOrigin:  corsOrigin,
		maxBody:     maxBody,
		logger:      logger,
		now:         now,
	}
	if cfg.Realtime != nil {
		s.tokens = cfg.Realtime.Tokens
		s.sse = realtime.NewSSEHandler(*cfg.Realtime)
		s.ws = realtime.NewWSHandler(*cfg.Realtime)
	}
	return s, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.handleRenameWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecuteWorkflow)

	mux.HandleFunc("GET /api/workflows/{id}/schedules", s.handleListWorkflowSchedules)
	mux.HandleFunc("POST /api/workflows/{id}/schedules", s.handleCreateWorkflowSchedule)
	mux.HandleFunc("GET /api/workflows/{id}/schedules/{schedule_id}", s.handleGetWorkflowSchedule)
	mux.HandleFunc("DELETE /api/workflows/{id}/schedules/{schedule_id}", s.handleDeleteWorkflowSchedule)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)

	mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	mux.HandleFunc("POST /api/credentials", s.handleCreateCredential)
	mux.HandleFunc("GET /api/credentials/{id}", s.handleGetCredential)
	mux.HandleFunc("PUT /api/credentials/{id}", s.handleUpdateCredential)
	mux.HandleFunc("DELETE /api/credentials/{id}", s.handleDeleteCredential)

	mux.HandleFunc("POST /api/webhooks/google-form", s.handleGoogleFormWebhook)
	mux.HandleFunc("POST /api/webhooks/stripe", s.handleStripeWebhook)

	mux.HandleFunc("POST /api/realtime/token", s.handleRealtimeToken)
	mux.HandleFunc("GET /api/realtime/sse", s.handleRealtimeStream(func() http.Handler { return s.sse }))
	mux.HandleFunc("GET /api/realtime/ws", s.handleRealtimeStream(func() http.Handler { return s.ws }))
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- Handlers without a resource ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, r *http.Request) {
	all := s.registry.Definitions()
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filtered := make([]registry.NodeTypeDef, 0, len(all))
		for _, def := range all {
			if def.Category == category {
				filtered = append(filtered, def)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_types": all,
	})
}

// --- Request helpers ---

// requireUser returns the caller's id or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+UserHeader+" header")
		return "", false
	}
	return userID, true
}

// parseListOptions reads page, pageSize and search. Out-of-range sizes are
// clamped by the store; non-numeric values are rejected.
func parseListOptions(r *http.Request) (store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.ListOptions{Search: strings.TrimSpace(q.Get("search"))}
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return opts, errors.New("page must be an integer")
		}
		opts.Page = page
	}
	if raw := strings.TrimSpace(q.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return opts, errors.New("pageSize must be an integer")
		}
		opts.PageSize = size
	}
	return opts.Normalize(), nil
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// decodeOptionalJSONBody is decodeJSONBody for endpoints whose body may be empty.
func decodeOptionalJSONBody(r *http.Request, dest any) error {
	err := decodeJSONBody(r, dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeDecodeError maps a body decoding failure to 413 or 400.
func writeDecodeError(w http.ResponseWriter, err error) {
	if isMaxBytesError(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
		return
	}
	writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeStoreError maps store sentinels to 404 and everything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrWorkflowNotFound),
		errors.Is(err, store.ErrExecutionNotFound),
		errors.Is(err, store.ErrCredentialNotFound),
		errors.Is(err, store.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}
