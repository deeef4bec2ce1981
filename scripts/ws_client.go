// Package main runs a demo WebSocket client for shipment events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"shipflow/internal/webhooks"
)

type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Create a single-vendor shipment
	body := []byte(`{"order_id":"DEMO-1","customer_id":"c_demo","currency":"NGN",
		"delivery_address":{"line1":"1 Demo St","city":"Lagos","state":"Lagos","country":"NG","phone":"+2348000000001"},
		"items":[{"id":"sku-1","name":"Demo item","quantity":1,"price":1000}]}`)
	resp, err := http.Post(base+"/v1/shipments", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	var ref struct {
		Reference string `json:"shipment_reference"`
	}
	err = json.NewDecoder(resp.Body).Decode(&ref)
	_ = resp.Body.Close()
	if err != nil || ref.Reference == "" {
		log.Fatalf("create shipment: status %d: %v", resp.StatusCode, err)
	}
	log.Printf("Shipment: %s", ref.Reference)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws", RawQuery: "shipment=" + url.QueryEscape(ref.Reference)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			b, _ := json.Marshal(m.Data)
			log.Printf("%s %s", m.Type, b)
		}
	}()

	// Play the carrier: pick up, then deliver
	for _, ev := range []string{"shipment.in-transit", "shipment.delivered"} {
		time.Sleep(time.Second)
		payload, _ := json.Marshal(map[string]any{"event": ev, "data": map[string]any{"shipment_id": ref.Reference}})
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/webhooks/demo/updates", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhooks.HeaderSignature, webhooks.SignHMAC(os.Getenv("WEBHOOK_SECRET"), payload))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("POST %s -> %d", ev, resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}
}
