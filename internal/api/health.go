package api

import (
	"context"
	"net/http"
	"time"

	"shipflow/internal/buildinfo"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler is liveness only.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler pings the database and the broker when they support it.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	checks := map[string]string{}
	ready := true
	for name, dep := range map[string]any{"store": s.Store, "broker": s.Broker} {
		p, ok := dep.(pinger)
		if !ok {
			checks[name] = "skipped"
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}
