package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"shipflow/internal/model"
)

// sseHeartbeat is the idle interval between SSE heartbeats.
var sseHeartbeat = 15 * time.Second

// ShipmentsHandler handles POST /v1/shipments.
func (s *Server) ShipmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p model.CheckoutPayload
	if !decodeJSON(w, r, &p, false) {
		return
	}
	ref, err := s.Shipping.CreateShipment(r.Context(), &p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// ShipmentByRefHandler handles GET /v1/shipments/{ref}/status, POST /v1/shipments/{id}/cancel
// and GET /v1/shipments/{ref}/events/stream.
func (s *Server) ShipmentByRefHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/shipments/")
	switch {
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d, err := s.Store.GetShipmentDetail(r.Context(), parts[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeJSON(w, r, &body, true) {
			return
		}
		tr, err := s.Shipping.Cancel(r.Context(), parts[0], body.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.streamShipment(w, r, parts[0])
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// streamShipment pushes realtime events for one shipment as server-sent events.
func (s *Server) streamShipment(w http.ResponseWriter, r *http.Request, key string) {
	d, err := s.Store.GetShipmentDetail(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ref := d.Shipment.Reference
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(ref)
	defer s.Broker.Unsubscribe(ref, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"shipment_reference\":%q,\"status\":%q,\"ts\":%q}\n\n", ref, d.Shipment.Status, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

// OrderTrackingHandler handles GET /v1/orders/{reference}/tracking.
func (s *Server) OrderTrackingHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/orders/")
	if len(parts) != 2 || parts[1] != "tracking" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), parts[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history := o.TrackingHistory
	if history == nil {
		history = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_reference":  o.Reference,
		"shipment_status":  o.ShipmentStatus,
		"delivered_at":     o.DeliveredAt,
		"tracking_history": history,
	})
}
