package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/petal-labs/flowforge/store"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	page, err := s.executions.ListExecutions(r.Context(), userID, opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	exec, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	owner, err := s.workflows.WorkflowOwner(r.Context(), exec.WorkflowID)
	if errors.Is(err, store.ErrWorkflowNotFound) || (err == nil && owner != userID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("execution %q not found", id))
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
