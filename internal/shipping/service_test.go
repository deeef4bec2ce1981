package shipping

import (
	"context"
	"errors"
	"sync"

	"shipflow/internal/model"
	"shipflow/internal/notify"
	"shipflow/internal/store"
)

type fakeLedger struct {
	mu       sync.Mutex
	created  []string
	approved []string
	reversed []float64
}

func (l *fakeLedger) CreateCommission(ctx context.Context, orderRef, userID string, rate float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, orderRef+"/"+userID)
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
	l.reversed = append(l.reversed, amount)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Mail
	err  error
}

func (m *fakeMailer) SendMail(ctx context.Context, mail notify.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return m.err
}

// faultyStore fails the nth InsertVendorGroup and the first dupes InsertShipment calls.
type faultyStore struct {
	*store.Memory
	failGroupAt int
	dupes       int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Memory.WithTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, s: f})
	})
}

type faultyTx struct {
	store.Tx
	s      *faultyStore
	groups int
}

func (t *faultyTx) InsertShipment(ctx context.Context, sh *model.Shipment) error {
	if t.s.dupes > 0 {
		t.s.dupes--
		return store.ErrDuplicateReference
	}
	return t.Tx.InsertShipment(ctx, sh)
}

func (t *faultyTx) InsertVendorGroup(ctx context.Context, vg *model.VendorGroup) error {
	t.groups++
	if t.s.failGroupAt > 0 && t.groups == t.s.failGroupAt {
		return errors.New("disk full")
	}
	return t.Tx.InsertVendorGroup(ctx, vg)
}

func deliveryAddress() *model.AddressInput {
	return &model.AddressInput{FirstName: "Ada", Line1: "12 Marina", City: "Lagos", State: "Lagos", Country: "NG", Phone: "+2348000000000", Email: "ada@example.com"}
}

func scenarioA() *model.CheckoutPayload {
	return &model.CheckoutPayload{
		OrderID:         "ORD-A",
		CustomerID:      "CUST-1",
		Currency:        "NGN",
		DeliveryAddress: deliveryAddress(),
		Items: []model.ItemInput{
			{ID: "sku-1", Name: "Ankara", Quantity: 2, Price: 15000, Weight: 1.2},
			{ID: "sku-2", Name: "Aso Oke", Quantity: 1, Price: 45000, Weight: 0.8},
		},
	}
}

func aggregatedPayload() *model.CheckoutPayload {
	return &model.CheckoutPayload{
		OrderID:         "ORD-G",
		CustomerID:      "CUST-2",
		Currency:        "NGN",
		DeliveryAddress: deliveryAddress(),
		IsMultiVendor:   true,
		Dispatcher:      &model.Dispatcher{CarrierSlug: "kwik", CarrierName: "Kwik", Amount: 100},
		VendorGroups: []model.VendorGroupInput{
			{VendorID: "V-1", VendorName: "One", Items: []model.ItemInput{{ID: "a", Quantity: 2, Price: 10, Weight: 0.5}}},
			{VendorID: "V-2", Items: []model.ItemInput{{ID: "b", Quantity: 1, Price: 20, Weight: 1.25}, {ID: "c", Price: 5}}},
			{VendorID: "V-3", PickupAddress: deliveryAddress(), Items: []model.ItemInput{{ID: "d", Quantity: "3", Price: "7", Weight: "0.1"}}},
		},
	}
}

func scenarioB() *model.CheckoutPayload {
	return &model.CheckoutPayload{
		OrderID:         "ORD-B",
		CustomerID:      "CUST-3",
		Currency:        "NGN",
		DeliveryAddress: deliveryAddress(),
		IsMultiVendor:   true,
		DeliveryType:    "per-vendor",
		VendorSelections: []model.VendorSelectionInput{
			{VendorID: "V-1", CarrierReference: "CA-99", CarrierName: "gigl", ShippingCost: 2500, Items: []model.ItemInput{{ID: "a", Quantity: 1, Price: 1000, Weight: 2}}},
			{VendorID: "V-2", CarrierReference: "INT-1", ShippingCost: "1500", Items: []model.ItemInput{{ID: "b", Quantity: 2, Price: 2000, Weight: 1}}},
		},
	}
}
