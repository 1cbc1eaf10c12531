package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/flowforge/core"
)

// credentialRequest is the body of create and update. The value is write-only.
type credentialRequest struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (req credentialRequest) validate() (core.CredentialType, []string) {
	var details []string
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, "name is required")
	}
	t := core.CredentialType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if !t.Valid() {
		details = append(details, fmt.Sprintf("type %q is not one of OPENAI, ANTHROPIC, GEMINI", req.Type))
	}
	if strings.TrimSpace(req.Value) == "" {
		details = append(details, "value is required")
	}
	return t, details
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	page, err := s.credentials.ListCredentials(r.Context(), userID, opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	credType, details := req.validate()
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid credential", details...)
		return
	}
	cred, err := s.credentials.CreateCredential(r.Context(), core.Credential{
		Name:   req.Name,
		Type:   credType,
		Value:  req.Value,
		UserID: userID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	cred, found, err := s.credentials.GetCredential(r.Context(), userID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("credential %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	credType, details := req.validate()
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid credential", details...)
		return
	}
	cred, err := s.credentials.UpdateCredential(r.Context(), core.Credential{
		ID:     r.PathValue("id"),
		Name:   req.Name,
		Type:   credType,
		Value:  req.Value,
		UserID: userID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.credentials.DeleteCredential(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
