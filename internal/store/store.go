package store

import (
	"context"
	"errors"
	"time"

	"shipflow/internal/model"
)

// Store is the persistence interface used by the shipping service, the carrier gateway and the API server.
type Store interface {
	// WithTx runs fn inside one transaction. Any error returned by fn, or by commit,
	// discards every write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Read side
	GetShipmentDetail(ctx context.Context, key string) (model.ShipmentDetail, error)
	ResolveShipment(ctx context.Context, key string) (Target, error)
	ResolveOrder(ctx context.Context, orderRef string) (Target, error)
	GetOrder(ctx context.Context, reference string) (model.Order, error)

	// Inbound carrier webhook log
	InsertWebhookLog(ctx context.Context, l *model.WebhookLog) error
	MarkWebhookLog(ctx context.Context, id string, processed bool, errMsg string) error
	GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error)
	ListWebhookLogs(ctx context.Context, eventType, cursor string, limit int) ([]model.WebhookLog, string, error)

	// Outbound subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Outbound webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
}

// Tx is the write surface available inside WithTx. Shipment state is only ever
// mutated through it, by the fan-out engine (create) and the status aggregator (update).
type Tx interface {
	// Creation
	FindOrCreateVendor(ctx context.Context, v model.Vendor) (model.Vendor, error)
	InsertAddress(ctx context.Context, a *model.Address) error
	InsertShipment(ctx context.Context, s *model.Shipment) error
	InsertVendorGroup(ctx context.Context, vg *model.VendorGroup) error
	InsertItems(ctx context.Context, items []model.ShipmentItem) error
	InsertExternalMapping(ctx context.Context, m *model.ExternalShipmentMapping) error
	InsertTrackingEvent(ctx context.Context, e *model.TrackingEvent) error
	UpsertOrder(ctx context.Context, o *model.Order) error

	// Status updates; Lock* calls serialise concurrent writers on the same row.
	LockShipment(ctx context.Context, id string) (model.Shipment, error)
	ListVendorGroups(ctx context.Context, shipmentID string) ([]model.VendorGroup, error)
	UpdateShipment(ctx context.Context, s *model.Shipment) error
	UpdateVendorGroupStatus(ctx context.Context, id string, status model.Status) error
	LockOrder(ctx context.Context, reference string) (model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
}

// Target is what an inbound carrier event resolved to. VendorGroupID is set
// when the event named an external leg by its carrier reference.
type Target struct {
	ShipmentID    string
	VendorGroupID string
}

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateReference = errors.New("duplicate shipment reference")
	// ErrDuplicateCarrierReference: a carrier reference maps to exactly one leg.
	ErrDuplicateCarrierReference = errors.New("carrier reference already mapped")
)
