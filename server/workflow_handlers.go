package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/graph"
	"github.com/petal-labs/flowforge/store"
)

type createWorkflowRequest struct {
	Name string `json:"name,omitempty"`
}

type renameWorkflowRequest struct {
	Name string `json:"name"`
}

type updateWorkflowRequest struct {
	Nodes       []core.Node       `json:"nodes"`
	Connections []core.Connection `json:"connections"`
}

type executeWorkflowRequest struct {
	InitialData map[string]any `json:"initialData,omitempty"`
}

type executeWorkflowResponse struct {
	EventID    string `json:"eventId"`
	WorkflowID string `json:"workflowId"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	page, err := s.workflows.ListWorkflows(r.Context(), userID, opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if err := decodeOptionalJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	wf, err := s.workflows.CreateWorkflow(r.Context(), userID, req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	wf, ok := s.ownedWorkflow(w, r, userID, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow replaces the node and connection sets. Structural
// errors reject the update; warnings such as cycles are accepted because the
// editor saves work in progress.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, id); !ok {
		return
	}

	var req updateWorkflowRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	for i := range req.Nodes {
		if t, err := core.ParseNodeType(string(req.Nodes[i].Type)); err == nil {
			req.Nodes[i].Type = t
		}
	}

	diags := graph.Validate(req.Nodes, req.Connections)
	if graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workflow graph validation failed", diagMessages(diags)...)
		return
	}
	for _, d := range graph.Warnings(diags) {
		s.logger.Warn("workflow saved with warning", "workflow_id", id, "code", d.Code, "message", d.Message)
	}

	wf, err := s.workflows.ReplaceGraph(r.Context(), id, req.Nodes, req.Connections)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRenameWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, id); !ok {
		return
	}

	var req renameWorkflowRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required")
		return
	}
	wf, err := s.workflows.RenameWorkflow(r.Context(), id, req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, id); !ok {
		return
	}
	if err := s.workflows.DeleteWorkflow(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteWorkflow is the manual trigger. It enqueues the execute event
// and returns before the workflow runs.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, id); !ok {
		return
	}

	var req executeWorkflowRequest
	if err := decodeOptionalJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	evt, err := s.enqueue(r, id, req.InitialData)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, executeWorkflowResponse{EventID: evt.ID, WorkflowID: id})
}

func (s *Server) enqueue(r *http.Request, workflowID string, initialData map[string]any) (core.Event, error) {
	evt, err := s.queue.Send(r.Context(), core.Event{
		Name: core.ExecuteEventName,
		Data: core.EventData{WorkflowID: workflowID, InitialData: initialData},
	})
	if err != nil {
		s.logger.Error("enqueue execute event", "workflow_id", workflowID, "error", err)
		return evt, fmt.Errorf("enqueue workflow %q: %w", workflowID, err)
	}
	s.logger.Info("workflow execution requested", "workflow_id", workflowID, "event_id", evt.ID)
	return evt, nil
}

// ownedWorkflow loads a workflow owned by userID, writing a 404 otherwise.
// Another user's workflow is reported as missing.
func (s *Server) ownedWorkflow(w http.ResponseWriter, r *http.Request, userID, id string) (core.Workflow, bool) {
	wf, err := s.workflows.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrWorkflowNotFound) || (err == nil && wf.UserID != userID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return core.Workflow{}, false
	}
	if err != nil {
		s.writeStoreError(w, err)
		return core.Workflow{}, false
	}
	return wf, true
}

func diagMessages(diags []graph.Diagnostic) []string {
	errs := graph.Errors(diags)
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, d.Message)
	}
	return msgs
}
