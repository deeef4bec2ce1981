package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"shipflow/internal/model"
	"shipflow/internal/shipping"
)

// webhookLogView renders the stored payload as JSON when it is JSON.
type webhookLogView struct {
	model.WebhookLog
	Payload json.RawMessage `json:"payload"`
}

func newWebhookLogView(l model.WebhookLog) webhookLogView {
	v := webhookLogView{WebhookLog: l, Payload: l.Payload}
	if !json.Valid(l.Payload) {
		v.Payload, _ = json.Marshal(string(l.Payload))
	}
	return v
}

// WebhookLogsHandler handles GET /v1/admin/webhook-logs?event_type=&cursor=&limit=.
func (s *Server) WebhookLogsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	logs, next, err := s.Store.ListWebhookLogs(r.Context(), q.Get("event_type"), q.Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]webhookLogView, 0, len(logs))
	for _, l := range logs {
		items = append(items, newWebhookLogView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
}

// WebhookLogReplayHandler handles POST /v1/admin/webhook-logs/{id}/replay.
func (s *Server) WebhookLogReplayHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/admin/webhook-logs/")
	if len(parts) != 2 || parts[1] != "replay" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ack, err := s.Gateway.Replay(r.Context(), parts[0])
	s.writeAck(w, r, ack, err)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&cursor=&limit=.
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		if err := validateSubscription(req); err != nil {
			s.writeError(w, r, err)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sub.Secret = ""
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, next, err := s.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("cursor"), queryLimit(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/subscriptions/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), parts[0]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateSubscription(req model.SubscriptionRequest) error {
	ve := &shipping.ValidationError{}
	if u := strings.TrimSpace(req.URL); !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		ve.Fields = append(ve.Fields, shipping.FieldError{Field: "url", Message: "must be an http(s) URL"})
	}
	if len(req.Events) == 0 {
		ve.Fields = append(ve.Fields, shipping.FieldError{Field: "events", Message: "must list at least one event type"})
	}
	if len(ve.Fields) == 0 {
		return nil
	}
	return ve
}
