package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipflow/internal/model"
	"shipflow/internal/realtime"
	"shipflow/internal/shipping"
	"shipflow/internal/store"
)

const (
	testSecret     = "whsec_test"
	testTASecret   = "ta_test"
	testOrderRef   = "ORD-1001"
	testAgentID    = "AG-7"
	testCustomerID = "CUST-1"
)

type fakeLedger struct {
	mu        sync.Mutex
	created   []string
	approved  []string
	reversed  []string
	reverseAt []float64
}

func (l *fakeLedger) CreateCommission(ctx context.Context, orderRef, userID string, rate float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, orderRef)
	return nil
}

func (l *fakeLedger) ApproveCommission(ctx context.Context, orderRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approved = append(l.approved, orderRef)
	return nil
}

func (l *fakeLedger) ReverseCommission(ctx context.Context, orderRef string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversed = append(l.reversed, orderRef)
	l.reverseAt = append(l.reverseAt, amount)
	return nil
}

type fixture struct {
	st     *store.Memory
	svc    *shipping.Service
	gw     *Gateway
	ledger *fakeLedger
	broker *realtime.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	l := &fakeLedger{}
	b := realtime.NewMemory()
	svc := shipping.NewService(st, nil, shipping.WithLedger(l), shipping.WithBroker(b))
	gw := NewGateway(st, svc, NewCarrierRegistry(testSecret, testTASecret), nil)
	return &fixture{st: st, svc: svc, gw: gw, ledger: l, broker: b}
}

func address() *model.AddressInput {
	return &model.AddressInput{Line1: "12 Marina", City: "Lagos", State: "Lagos", Country: "NG", Phone: "+2348000000000"}
}

func singlePayload() *model.CheckoutPayload {
	return &model.CheckoutPayload{
		OrderID:         testOrderRef,
		CustomerID:      testCustomerID,
		Currency:        "NGN",
		DeliveryAddress: address(),
		Items: []model.ItemInput{
			{ID: "sku-1", Name: "Ankara", Quantity: 2, Price: 15000, Weight: 1.5},
		},
		AgentID:        testAgentID,
		CommissionRate: 0.05,
	}
}

func perVendorPayload() *model.CheckoutPayload {
	return &model.CheckoutPayload{
		OrderID:         "ORD-2002",
		CustomerID:      testCustomerID,
		Currency:        "NGN",
		DeliveryAddress: address(),
		IsMultiVendor:   true,
		VendorSelections: []model.VendorSelectionInput{
			{VendorID: "V-1", CarrierReference: "CA-99", CarrierName: "gigl", Items: []model.ItemInput{{ID: "a", Name: "A", Quantity: 1, Price: 1000}}},
			{VendorID: "V-2", CarrierReference: "INT-1", Items: []model.ItemInput{{ID: "b", Name: "B", Quantity: 1, Price: 2000}}},
		},
	}
}

func event(t *testing.T, name string, data model.CarrierEventData) []byte {
	t.Helper()
	b, err := json.Marshal(model.CarrierEvent{Event: name, Data: data})
	require.NoError(t, err)
	return b
}

func signed(body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderSignature, SignHMAC(testSecret, body))
	return h
}

func (f *fixture) logs(t *testing.T) []model.WebhookLog {
	t.Helper()
	out, _, err := f.st.ListWebhookLogs(context.Background(), "", "", 100)
	require.NoError(t, err)
	return out
}

func TestGateway_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: ref.Reference})
	h := http.Header{}
	h.Set(HeaderSignature, SignHMAC("wrong", body))
	ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", h, body)

	var ae *shipping.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ack.HTTPStatus)
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogInvalidSignature, logs[0].EventType)
	assert.False(t, logs[0].Processed)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, d.Shipment.Status)
}

func TestGateway_MissingSignature(t *testing.T) {
	f := newFixture(t)
	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: "x"})
	ack, err := f.gw.HandleCarrierWebhook(context.Background(), "dhl", http.Header{}, body)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, ack.HTTPStatus)
}

func TestGateway_OrphanEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: "OBANA-20240101-000000000000"})
	ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ack.HTTPStatus)
	assert.Equal(t, OutcomeOrphan, ack.Outcome)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogOrphan, logs[0].EventType)
	assert.True(t, logs[0].Processed)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, d.Shipment.Status)
	assert.Len(t, d.TrackingEvents, 1)
	o, err := f.st.GetOrder(ctx, testOrderRef)
	require.NoError(t, err)
	assert.Len(t, o.TrackingHistory, 1)
}

func TestGateway_UnhandledEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.weighed", model.CarrierEventData{ShipmentID: ref.Reference})
	ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ack.HTTPStatus)
	assert.Equal(t, OutcomeUnhandled, ack.Outcome)
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogUnhandled, logs[0].EventType)
}

func TestGateway_Unparseable(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":`)
	ack, err := f.gw.HandleCarrierWebhook(context.Background(), "gigl", signed(body), body)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, ack.HTTPStatus)
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogUnparseable, logs[0].EventType)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestGateway_UnknownCarrierWithoutFallback(t *testing.T) {
	st := store.NewMemory()
	gw := NewGateway(st, shipping.NewService(st, nil), NewCarrierRegistry(testSecret, testTASecret), nil)
	gw.Carriers.Fallback(nil)
	_, err := gw.HandleCarrierWebhook(context.Background(), "nobody", http.Header{}, []byte(`{}`))
	var nf *shipping.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGateway_DuplicateDeliveredApprovesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: ref.Reference, Location: "Lekki"})
	for i := 0; i < 2; i++ {
		ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, ack.HTTPStatus)
		assert.Equal(t, OutcomeApplied, ack.Outcome)
		require.NotNil(t, ack.Transition)
		assert.Equal(t, i == 0, ack.Transition.Changed())
	}
	f.svc.Wait()

	assert.Equal(t, []string{testOrderRef}, f.ledger.created)
	assert.Equal(t, []string{testOrderRef}, f.ledger.approved)
	assert.Empty(t, f.ledger.reversed)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, d.Shipment.Status)
	assert.NotNil(t, d.Shipment.DeliveredAt)

	o, err := f.st.GetOrder(ctx, testOrderRef)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, o.ShipmentStatus)
	assert.Len(t, o.TrackingHistory, 3)

	logs := f.logs(t)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, "shipment.delivered", l.EventType)
		assert.True(t, l.Processed)
	}
}

func TestGateway_CancelledReversesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.cancelled", model.CarrierEventData{ShipmentID: ref.Reference, Reason: "address unreachable"})
	for i := 0; i < 2; i++ {
		_, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
		require.NoError(t, err)
	}
	f.svc.Wait()

	assert.Equal(t, []string{testOrderRef}, f.ledger.reversed)
	assert.Equal(t, []float64{30000}, f.ledger.reverseAt)
	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, "address unreachable", d.Shipment.CancellationReason)
}

func TestGateway_ResolvesByOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.in-transit", model.CarrierEventData{OrderID: testOrderRef})
	ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, ack.Outcome)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInTransit, d.Shipment.Status)
}

func TestGateway_CarrierReferenceTargetsOneLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, perVendorPayload())
	require.NoError(t, err)

	sub := f.broker.Subscribe(ref.Reference)
	defer f.broker.Unsubscribe(ref.Reference, sub)

	body := event(t, "shipment.in-transit", model.CarrierEventData{ShipmentID: "CA-99"})
	_, err = f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInTransit, d.Shipment.Status)
	byRef := map[string]model.Status{}
	for _, g := range d.VendorGroups {
		byRef[g.CarrierReference] = g.Status
	}
	assert.Equal(t, model.StatusInTransit, byRef["CA-99"])
	assert.Equal(t, model.StatusPending, byRef["INT-1"])

	got := []string{(<-sub).Type, (<-sub).Type}
	assert.Equal(t, []string{"shipment.tracking", "shipment.status_changed"}, got)
}

func TestGateway_DeliveredLegIgnoresLaterLegCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, perVendorPayload())
	require.NoError(t, err)

	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: ref.Reference})
	ack, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)
	require.NotNil(t, ack.Transition)
	assert.Equal(t, model.StatusDelivered, ack.Transition.Current)

	body = event(t, "shipment.cancelled", model.CarrierEventData{ShipmentID: "CA-99", Reason: "lost in transit"})
	ack, err = f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, ack.Outcome)
	require.NotNil(t, ack.Transition)
	assert.False(t, ack.Transition.Changed())
	assert.Equal(t, model.StatusDelivered, ack.Transition.Current)
	f.svc.Wait()

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, d.Shipment.Status)
	assert.Empty(t, d.Shipment.CancellationReason)
	for _, g := range d.VendorGroups {
		assert.Equal(t, model.StatusDelivered, g.Status, g.CarrierReference)
	}
	assert.Equal(t, []string{"ORD-2002"}, f.ledger.approved)
	assert.Empty(t, f.ledger.reversed)
}

func TestGateway_TerminalAfricaSHA512(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.out-for-delivery", model.CarrierEventData{ShipmentID: ref.Reference})
	h := http.Header{}
	h.Set(HeaderTerminalSignature, SignHMACSHA512(testTASecret, body))
	ack, err := f.gw.HandleCarrierWebhook(ctx, "terminal-africa", h, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, ack.Outcome)

	d, err := f.st.GetShipmentDetail(ctx, ref.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOutForDelivery, d.Shipment.Status)
	assert.Equal(t, model.SourceTerminalAfrica, d.TrackingEvents[0].Source)

	// the shared secret over SHA-256 is not accepted for Terminal Africa
	h = http.Header{}
	h.Set(HeaderTerminalSignature, SignHMAC(testSecret, body))
	ack, err = f.gw.HandleCarrierWebhook(ctx, CarrierTerminalAfrica, h, body)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, ack.HTTPStatus)
}

func TestGateway_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.CreateShipment(ctx, singlePayload())
	require.NoError(t, err)

	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: ref.Reference})
	first, err := f.gw.HandleCarrierWebhook(ctx, "gigl", signed(body), body)
	require.NoError(t, err)

	ack, err := f.gw.Replay(ctx, first.LogID)
	require.NoError(t, err)
	assert.Equal(t, first.LogID, ack.LogID)
	assert.Equal(t, OutcomeApplied, ack.Outcome)
	require.NotNil(t, ack.Transition)
	assert.False(t, ack.Transition.Changed())
	f.svc.Wait()
	assert.Len(t, f.ledger.approved, 1)
	assert.Len(t, f.logs(t), 1)

	_, err = f.gw.Replay(ctx, "missing")
	var nf *shipping.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGateway_ReplayRejectsInvalidSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := event(t, "shipment.delivered", model.CarrierEventData{ShipmentID: "x"})
	bad, _ := f.gw.HandleCarrierWebhook(ctx, "gigl", http.Header{}, body)

	ack, err := f.gw.Replay(ctx, bad.LogID)
	var sc *shipping.StateConflictError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, http.StatusBadRequest, ack.HTTPStatus)
}

func TestGateway_ReplayRejectsThrottledAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := &model.WebhookLog{Carrier: "gigl", EventType: model.LogRateLimited, ErrorMessage: "rate limit exceeded"}
	require.NoError(t, f.st.InsertWebhookLog(ctx, entry))

	ack, err := f.gw.Replay(ctx, entry.ID)
	var sc *shipping.StateConflictError
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, http.StatusBadRequest, ack.HTTPStatus)
}
