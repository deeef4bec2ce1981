package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"shipflow/internal/model"
	"shipflow/internal/webhooks"
)

// CarrierWebhookHandler handles POST /v1/webhooks/{carrier}/updates and the
// Terminal Africa endpoint POST /v1/webhooks/terminal-africa.
func (s *Server) CarrierWebhookHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/webhooks/")
	var carrier string
	switch {
	case len(parts) == 1 && parts[0] == "terminal-africa":
		carrier = webhooks.CarrierTerminalAfrica
	case len(parts) == 2 && parts[1] == "updates":
		carrier = parts[0]
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.Limiter.Allow() {
		s.logRejected(r, carrier, model.LogRateLimited, "rate limit exceeded")
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "", r.URL.Path)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.logRejected(r, carrier, model.LogTooLarge, err.Error())
		writeProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error(), r.URL.Path)
		return
	}
	ack, err := s.Gateway.HandleCarrierWebhook(r.Context(), carrier, r.Header, body)
	s.writeAck(w, r, ack, err)
}

// logRejected records an attempt turned away before the body reached the
// gateway. No payload is kept.
func (s *Server) logRejected(r *http.Request, carrier, eventType, reason string) {
	entry := &model.WebhookLog{Carrier: carrier, EventType: eventType, ErrorMessage: reason}
	if err := s.Store.InsertWebhookLog(r.Context(), entry); err != nil {
		s.Log.Warn("carrier webhook log insert failed", zap.String("carrier", carrier), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Server) writeAck(w http.ResponseWriter, r *http.Request, ack webhooks.Ack, err error) {
	if err == nil {
		writeJSON(w, ack.HTTPStatus, ack)
		return
	}
	status := ack.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		s.Log.Error("carrier webhook failed", zap.String("path", r.URL.Path), zap.String("log_id", ack.LogID), zap.Error(err))
		if s.Production {
			detail = ""
		}
	}
	writeProblem(w, status, http.StatusText(status), detail, r.URL.Path)
}
