package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// ShipmentWSHandler handles /v1/ws?shipment={id|reference}. Each realtime event
// for the shipment is written as one JSON message.
func (s *Server) ShipmentWSHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("shipment")
	if key == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "shipment query parameter is required", r.URL.Path)
		return
	}
	d, err := s.Store.GetShipmentDetail(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ref := d.Shipment.Reference

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(ref)
	defer s.Broker.Unsubscribe(ref, ch)

	// the reader only watches for close and pongs
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(m wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	if err := write(wsMessage{Type: "connection_ack", Data: map[string]any{"shipment_reference": ref, "status": d.Shipment.Status}}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: evt.Type, Data: evt.Data}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
