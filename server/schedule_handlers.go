package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/flowforge/store"
)

type workflowScheduleRequest struct {
	Cron        string         `json:"cron"`
	Enabled     *bool          `json:"enabled,omitempty"`
	InitialData map[string]any `json:"initialData,omitempty"`
}

// schedulesEnabled writes a 501 when no schedule store is configured.
func (s *Server) schedulesEnabled(w http.ResponseWriter) bool {
	if s.schedules == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "workflow schedules are not configured")
		return false
	}
	return true
}

func (s *Server) handleListWorkflowSchedules(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok || !s.schedulesEnabled(w) {
		return
	}
	workflowID := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, workflowID); !ok {
		return
	}

	schedules, err := s.schedules.ListSchedules(r.Context(), workflowID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateWorkflowSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok || !s.schedulesEnabled(w) {
		return
	}
	workflowID := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, workflowID); !ok {
		return
	}

	var req workflowScheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	now := s.now().UTC()
	cronExpr := strings.TrimSpace(req.Cron)
	nextRunAt, err := nextCronRunUTC(cronExpr, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule, err := s.schedules.CreateSchedule(r.Context(), store.Schedule{
		WorkflowID:  workflowID,
		Cron:        cronExpr,
		Enabled:     enabled,
		InitialData: req.InitialData,
		NextRunAt:   nextRunAt,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleGetWorkflowSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok || !s.schedulesEnabled(w) {
		return
	}
	workflowID := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, workflowID); !ok {
		return
	}

	scheduleID := r.PathValue("schedule_id")
	schedule, err := s.schedules.GetSchedule(r.Context(), workflowID, scheduleID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteWorkflowSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok || !s.schedulesEnabled(w) {
		return
	}
	workflowID := r.PathValue("id")
	if _, ok := s.ownedWorkflow(w, r, userID, workflowID); !ok {
		return
	}

	scheduleID := r.PathValue("schedule_id")
	if err := s.schedules.DeleteSchedule(r.Context(), workflowID, scheduleID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("workflow schedule deleted", "workflow_id", workflowID, "schedule_id", scheduleID)
	w.WriteHeader(http.StatusNoContent)
}

func scheduleRunError(scheduleID string, err error) string {
	return fmt.Sprintf("schedule %s: %v", scheduleID, err)
}
