package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipflow/internal/metrics"
	"shipflow/internal/model"
	"shipflow/internal/realtime"
	"shipflow/internal/shipping"
	"shipflow/internal/store"
	"shipflow/internal/webhooks"
)

const (
	testSecret   = "whsec_test"
	testTASecret = "ta_test"
	testOrderRef = "ORD-3003"
)

type env struct {
	st     *store.Memory
	svc    *shipping.Service
	broker *realtime.Memory
	srv    *Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	b := realtime.NewMemory()
	svc := shipping.NewService(st, nil,
		shipping.WithBroker(b),
		shipping.WithEmitter(webhooks.NewPublisher(st, nil)),
	)
	gw := webhooks.NewGateway(st, svc, webhooks.NewCarrierRegistry(testSecret, testTASecret), nil)
	return &env{st: st, svc: svc, broker: b, srv: NewServer(st, svc, gw, b, nil)}
}

func checkoutJSON() []byte {
	return []byte(`{
		"order_id": "` + testOrderRef + `",
		"customer_id": "CUST-9",
		"customer_email": "ada@example.com",
		"currency": "NGN",
		"delivery_address": {"line1": "3 Allen Ave", "city": "Ikeja", "state": "Lagos", "country": "NG", "phone": "+2348012345678"},
		"items": [{"id": "sku-9", "name": "Kente", "quantity": "3", "price": 5000, "weight": 0.5}],
		"shipping_fee": "1200"
	}`)
}

func (e *env) do(t *testing.T, method, path string, body []byte, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rr, req)
	return rr
}

func (e *env) create(t *testing.T) model.ShipmentRef {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/shipments", checkoutJSON(), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var ref model.ShipmentRef
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ref))
	return ref
}

func carrierEvent(t *testing.T, name, shipmentID string) []byte {
	t.Helper()
	b, err := json.Marshal(model.CarrierEvent{Event: name, Data: model.CarrierEventData{ShipmentID: shipmentID, Location: "Ikeja hub"}})
	require.NoError(t, err)
	return b
}

func signedHeader(body []byte) http.Header {
	h := http.Header{}
	h.Set(webhooks.HeaderSignature, webhooks.SignHMAC(testSecret, body))
	return h
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestCreateAndGetStatus(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	assert.True(t, strings.HasPrefix(ref.Reference, "OBANA-"))
	assert.Equal(t, model.StatusPending, ref.Status)
	assert.True(t, strings.HasSuffix(ref.TrackingURL, ref.Reference))

	rr := e.do(t, http.MethodGet, "/v1/shipments/"+ref.Reference+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var d model.ShipmentDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, ref.ShipmentID, d.Shipment.ID)
	assert.Equal(t, 3, d.Shipment.TotalItems)
	assert.InDelta(t, 15000, d.Shipment.TotalAmount, 0.001)
	assert.InDelta(t, 1200, d.Shipment.ShippingFee, 0.001)
	require.Len(t, d.TrackingEvents, 1)
}

func TestGetStatusUnknownShipment(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/shipments/OBANA-20240101-aaaaaaaaaaaa/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestCreateValidationErrors(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/shipments", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "Validation Failed", p.Title)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, "customer_id", p.Errors[0].Field)
}

func TestCreateInvalidJSON(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/shipments", []byte(`{"customer_id":`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodGet, "/v1/shipments", nil, nil).Code)
}

func TestCancelShipment(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)

	rr := e.do(t, http.MethodPost, "/v1/shipments/"+ref.ShipmentID+"/cancel", []byte(`{"reason":"changed my mind"}`), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tr shipping.Transition
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tr))
	assert.Equal(t, model.StatusPending, tr.Previous)
	assert.Equal(t, model.StatusCancelled, tr.Current)

	// a second cancel is refused
	rr = e.do(t, http.MethodPost, "/v1/shipments/"+ref.ShipmentID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid State", decode(t, rr)["title"])
}

func TestCancelAfterPickupRefused(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	body := carrierEvent(t, "shipment.in-transit", ref.Reference)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body)).Code)

	rr := e.do(t, http.MethodPost, "/v1/shipments/"+ref.Reference+"/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/shipments/missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCarrierWebhookApplied(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)

	body := carrierEvent(t, "shipment.delivered", ref.Reference)
	rr := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decode(t, rr)
	assert.Equal(t, webhooks.OutcomeApplied, m["outcome"])
	assert.NotEmpty(t, m["log_id"])

	rr = e.do(t, http.MethodGet, "/v1/orders/"+testOrderRef+"/tracking", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	m = decode(t, rr)
	assert.Equal(t, string(model.StatusDelivered), m["shipment_status"])
	assert.NotNil(t, m["delivered_at"])
	assert.Len(t, m["tracking_history"], 2)
}

func TestCarrierWebhookInvalidSignature(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	body := carrierEvent(t, "shipment.delivered", ref.Reference)
	h := http.Header{}
	h.Set(webhooks.HeaderSignature, webhooks.SignHMAC("nope", body))

	rr := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, h)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestCarrierWebhookOrphanIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	body := carrierEvent(t, "shipment.delivered", "OBANA-19990101-000000000000")
	rr := e.do(t, http.MethodPost, "/v1/webhooks/dhl/updates", body, signedHeader(body))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, webhooks.OutcomeOrphan, decode(t, rr)["outcome"])
}

func TestCarrierWebhookUnparseable(t *testing.T) {
	e := newEnv(t)
	body := []byte(`not json`)
	rr := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestTerminalAfricaWebhook(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	body := carrierEvent(t, "shipment.in-transit", ref.Reference)

	h := http.Header{}
	h.Set(webhooks.HeaderTerminalSignature, webhooks.SignHMACSHA512(testTASecret, body))
	rr := e.do(t, http.MethodPost, "/v1/webhooks/terminal-africa", body, h)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// the shared secret does not authenticate Terminal Africa
	rr = e.do(t, http.MethodPost, "/v1/webhooks/terminal-africa", body, signedHeader(body))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	d, err := e.st.GetShipmentDetail(context.Background(), ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInTransit, d.Shipment.Status)
	assert.Equal(t, model.SourceTerminalAfrica, d.TrackingEvents[0].Source)
}

func TestCarrierWebhookRoutes(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/webhooks/gigl", nil, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodGet, "/v1/webhooks/gigl/updates", nil, nil).Code)
}

func TestCarrierWebhookRateLimited(t *testing.T) {
	e := newEnv(t)
	e.srv.WithRateLimit(1, 1)
	body := carrierEvent(t, "shipment.delivered", "x")
	first := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)
	second := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	logs, _, err := e.st.ListWebhookLogs(context.Background(), model.LogRateLimited, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "gigl", logs[0].Carrier)
	assert.Empty(t, logs[0].Payload)
}

func TestCarrierWebhookTooLargeIsLogged(t *testing.T) {
	e := newEnv(t)
	body := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	rr := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	logs, _, err := e.st.ListWebhookLogs(context.Background(), model.LogTooLarge, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "gigl", logs[0].Carrier)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestWebhookLogsAndReplay(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	body := carrierEvent(t, "shipment.in-transit", ref.Reference)
	rr := e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body))
	require.Equal(t, http.StatusOK, rr.Code)
	logID := decode(t, rr)["log_id"].(string)

	bad := []byte(`{"event":"shipment.delivered"}`)
	e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", bad, http.Header{})

	rr = e.do(t, http.MethodGet, "/v1/admin/webhook-logs?event_type=shipment.in-transit", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page struct {
		Items []struct {
			ID      string         `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, logID, page.Items[0].ID)
	assert.Equal(t, "shipment.in-transit", page.Items[0].Payload["event"])

	rr = e.do(t, http.MethodPost, "/v1/admin/webhook-logs/"+logID+"/replay", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, webhooks.OutcomeApplied, decode(t, rr)["outcome"])

	logs, _, err := e.st.ListWebhookLogs(context.Background(), model.LogInvalidSignature, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	rr = e.do(t, http.MethodPost, "/v1/admin/webhook-logs/"+logs[0].ID+"/replay", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/admin/webhook-logs/nope/replay", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubscriptionsLifecycle(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/subscriptions", []byte(`{"url":"ftp://x","events":[]}`), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	require.Len(t, p.Errors, 2)
	assert.Equal(t, "url", p.Errors[0].Field)
	assert.Equal(t, "events", p.Errors[1].Field)

	rr = e.do(t, http.MethodPost, "/v1/subscriptions", []byte(`{"url":"https://hooks.example.com/s","events":["shipment.status_changed"],"secret":"s3"}`), nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	sub := decode(t, rr)
	assert.NotContains(t, sub, "secret")
	id := sub["id"].(string)

	// a status change enqueues one delivery for the subscriber
	ref := e.create(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/shipments/"+ref.Reference+"/cancel", nil, nil).Code)
	e.svc.Wait()
	rr = e.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 1)

	rr = e.do(t, http.MethodGet, "/v1/subscriptions", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 1)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/subscriptions/"+id, nil, nil).Code)
	rr = e.do(t, http.MethodGet, "/v1/subscriptions", nil, nil)
	assert.Empty(t, decode(t, rr)["items"])
}

func TestOrderTrackingUnknown(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/orders/NOPE/tracking", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/orders/NOPE", nil, nil).Code)
}

type downBroker struct{ *realtime.Memory }

func (downBroker) Ping(ctx context.Context) error { return errors.New("redis: connection refused") }

func TestHealthReady(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])

	rr = e.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	e.srv.Broker = downBroker{realtime.NewMemory()}
	rr = e.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	checks := decode(t, rr)["checks"].(map[string]any)
	assert.Equal(t, "redis: connection refused", checks["broker"])
	assert.Equal(t, "skipped", checks["store"])
}

func TestOpenAPIDocs(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "openapi: 3.0.3")

	rr = e.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decode(t, rr)
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/v1/shipments")
	assert.Contains(t, doc["paths"], "/v1/webhooks/terminal-africa")

	rr = e.do(t, http.MethodGet, "/docs", nil, nil)
	assert.Contains(t, rr.Body.String(), "/openapi.yaml")
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RegisterDefault()
	e := newEnv(t)
	e.create(t)
	rr := e.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "shipments_created_total")
}

func TestShipmentEventStream(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	ts := httptest.NewServer(e.srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/shipments/"+ref.Reference+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: heartbeat", sc.Text())

	_, err = e.svc.Cancel(context.Background(), ref.Reference, "")
	require.NoError(t, err)

	var events []string
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok && name != "heartbeat" {
			events = append(events, name)
			if name == "shipment.status_changed" {
				break
			}
		}
	}
	assert.Equal(t, []string{"shipment.tracking", "shipment.status_changed"}, events)
}

func TestShipmentEventStreamUnknown(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/shipments/nope/events/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestShipmentWebSocket(t *testing.T) {
	e := newEnv(t)
	ref := e.create(t)
	ts := httptest.NewServer(e.srv.Routes())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?shipment=" + ref.Reference

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack wsMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connection_ack", ack.Type)
	assert.Equal(t, ref.Reference, ack.Data["shipment_reference"])

	body := carrierEvent(t, "shipment.in-transit", ref.Reference)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/webhooks/gigl/updates", body, signedHeader(body)).Code)

	var got []string
	for len(got) < 2 {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		got = append(got, m.Type)
		if m.Type == "shipment.status_changed" {
			assert.Equal(t, string(model.StatusInTransit), m.Data["status"])
		}
	}
	assert.Equal(t, []string{"shipment.tracking", "shipment.status_changed"}, got)
}

func TestShipmentWebSocketRejectsUnknown(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.srv.Routes())
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?shipment=nope", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
