package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

type webhookResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
}

// handleGoogleFormWebhook accepts the payload posted by the form's Apps
// Script and starts the workflow with it under initialData.googleForm.
func (s *Server) handleGoogleFormWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, "googleForm", normalizeGoogleFormPayload)
}

// handleStripeWebhook accepts a Stripe event and starts the workflow with it
// under initialData.stripe.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, "stripe", normalizeStripePayload)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, key string, normalize func(map[string]any) map[string]any) {
	workflowID := strings.TrimSpace(r.URL.Query().Get("workflowId"))
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_WORKFLOW_ID", "Missing required query parameter: workflowId")
		return
	}

	body, err := decodeWebhookBody(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	evt, err := s.enqueue(r, workflowID, map[string]any{key: normalize(body)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, EventID: evt.ID})
}

// decodeWebhookBody reads a JSON object body. Unknown fields are kept.
func decodeWebhookBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// normalizeGoogleFormPayload also exposes the email as "respondantEmail",
// the key earlier workflow templates were written against.
func normalizeGoogleFormPayload(body map[string]any) map[string]any {
	return map[string]any{
		"formId":          body["formId"],
		"formTitle":       body["formTitle"],
		"responseId":      body["responseId"],
		"timestamp":       body["timestamp"],
		"respondentEmail": body["respondentEmail"],
		"respondantEmail": body["respondentEmail"],
		"responses":       body["responses"],
		"raw":             body,
	}
}

func normalizeStripePayload(body map[string]any) map[string]any {
	var object map[string]any
	if data, ok := body["data"].(map[string]any); ok {
		object, _ = data["object"].(map[string]any)
	}
	return map[string]any{
		"eventId":   body["id"],
		"eventType": body["type"],
		"amount":    lookup(object, "amount"),
		"currency":  lookup(object, "currency"),
		"timestamp": body["created"],
		"livemode":  body["livemode"],
		"raw":       object,
	}
}

func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}
