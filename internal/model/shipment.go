package model

import "time"

// Status is the shipment/leg state vocabulary shared by shipments, vendor groups and orders.
type Status string

const (
	StatusPending         Status = "pending"
	StatusCreated         Status = "created" // pending-equivalent, set once a carrier confirms creation
	StatusPickupScheduled Status = "pickup_scheduled"
	StatusInTransit       Status = "in_transit"
	StatusOutForDelivery  Status = "out_for_delivery"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusException       Status = "exception"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusCancelled }

// Cancellable reports whether a shipment in this status may still be cancelled by the customer.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusCreated || s == StatusPickupScheduled
}

type CarrierType string

const (
	CarrierInternal CarrierType = "internal"
	CarrierExternal CarrierType = "external"
)

type DeliveryType string

const (
	DeliverySingle     DeliveryType = "single"
	DeliveryAggregated DeliveryType = "aggregated"
	DeliveryPerVendor  DeliveryType = "per-vendor"
)

type VendorStatus string

const (
	VendorActive    VendorStatus = "active"
	VendorInactive  VendorStatus = "inactive"
	VendorSuspended VendorStatus = "suspended"
)

// Address kinds. Addresses are snapshots owned by one shipment and never updated.
const (
	AddressDelivery  = "delivery"
	AddressPickup    = "pickup"
	AddressVendor    = "vendor"
	AddressWarehouse = "warehouse"
)

// Tracking sources.
const (
	SourceSystem         = "system"
	SourceTerminalAfrica = "terminal_africa"
)

type Address struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Line1      string    `json:"line1"`
	Line2      string    `json:"line2,omitempty"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Country    string    `json:"country"`
	PostalCode string    `json:"postal_code,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Shipment struct {
	ID                  string         `json:"id"`
	Reference           string         `json:"reference"`
	OrderReference      string         `json:"order_reference,omitempty"`
	CustomerID          string         `json:"customer_id"`
	DeliveryType        DeliveryType   `json:"delivery_type"`
	IsMultiVendor       bool           `json:"is_multi_vendor"`
	CarrierType         CarrierType    `json:"carrier_type"`
	CarrierSlug         string         `json:"carrier_slug,omitempty"`
	CarrierName         string         `json:"carrier_name,omitempty"`
	Status              Status         `json:"status"`
	TotalWeight         float64        `json:"total_weight"`
	TotalItems          int            `json:"total_items"`
	TotalAmount         float64        `json:"total_amount"`
	ShippingFee         float64        `json:"shipping_fee"`
	Currency            string         `json:"currency"`
	TransportMode       string         `json:"transport_mode,omitempty"`
	ServiceLevel        string         `json:"service_level,omitempty"`
	InsuranceAmount     *float64       `json:"insurance_amount,omitempty"`
	InsuranceProvider   string         `json:"insurance_provider,omitempty"`
	DeliveryAddressID   string         `json:"delivery_address_id,omitempty"`
	PickupAddressID     string         `json:"pickup_address_id,omitempty"`
	ScheduledPickupAt   *time.Time     `json:"scheduled_pickup_at,omitempty"`
	EstimatedDeliveryAt *time.Time     `json:"estimated_delivery_at,omitempty"`
	DeliveredAt         *time.Time     `json:"delivered_at,omitempty"`
	CancellationReason  string         `json:"cancellation_reason,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// VendorGroup is one vendor's pickup-to-delivery leg inside a shipment.
type VendorGroup struct {
	ID               string         `json:"id"`
	ShipmentID       string         `json:"shipment_id"`
	VendorID         string         `json:"vendor_id"`
	PickupAddressID  string         `json:"pickup_address_id,omitempty"`
	ShippingFee      float64        `json:"shipping_fee"`
	Weight           float64        `json:"weight"`
	ItemCount        int            `json:"item_count"`
	CarrierType      CarrierType    `json:"carrier_type"`
	CarrierName      string         `json:"carrier_name,omitempty"`
	CarrierReference string         `json:"carrier_reference,omitempty"`
	RateID           string         `json:"rate_id,omitempty"`
	Status           Status         `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ShipmentItem belongs either to a shipment directly or to one vendor group, never both.
type ShipmentItem struct {
	ID            string         `json:"id"`
	ShipmentID    string         `json:"shipment_id,omitempty"`
	VendorGroupID string         `json:"vendor_group_id,omitempty"`
	ItemID        string         `json:"item_id"`
	Name          string         `json:"name"`
	Quantity      int            `json:"quantity"`
	Price         float64        `json:"price"`
	TotalPrice    float64        `json:"total_price"`
	Weight        float64        `json:"weight"`
	Currency      string         `json:"currency"`
	Dimensions    map[string]any `json:"dimensions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type Vendor struct {
	ID         string       `json:"id"`
	ExternalID string       `json:"vendor_id"`
	Name       string       `json:"name,omitempty"`
	Email      string       `json:"email,omitempty"`
	Status     VendorStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ExternalShipmentMapping links an externally carried leg to the carrier's reference for later reconciliation.
type ExternalShipmentMapping struct {
	ID               string    `json:"id"`
	ShipmentID       string    `json:"shipment_id"`
	VendorGroupID    string    `json:"vendor_group_id"`
	CarrierReference string    `json:"carrier_reference"`
	CarrierName      string    `json:"carrier_name,omitempty"`
	RateID           string    `json:"rate_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type TrackingEvent struct {
	ID          string         `json:"id"`
	ShipmentID  string         `json:"shipment_id"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Source      string         `json:"source"`
	PerformedBy string         `json:"performed_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HistoryEntry is one element of an order's capped tracking_history blob.
type HistoryEntry struct {
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Source      string         `json:"source"`
	PerformedBy string         `json:"performed_by,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type Order struct {
	ID                 string         `json:"id"`
	Reference          string         `json:"reference"`
	CustomerID         string         `json:"customer_id"`
	CustomerEmail      string         `json:"customer_email,omitempty"`
	ShipmentStatus     Status         `json:"shipment_status"`
	TrackingHistory    []HistoryEntry `json:"tracking_history"`
	TotalAmount        float64        `json:"total_amount"`
	Currency           string         `json:"currency"`
	AgentID            string         `json:"agent_id,omitempty"`
	DeliveredAt        *time.Time     `json:"delivered_at,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// WebhookLog records every inbound carrier event attempt. Only Processed and ErrorMessage change after insert.
type WebhookLog struct {
	ID           string    `json:"id"`
	Carrier      string    `json:"carrier"`
	EventType    string    `json:"event_type"`
	TargetRef    string    `json:"target_ref,omitempty"`
	Payload      []byte    `json:"payload"`
	Signature    string    `json:"signature,omitempty"`
	Processed    bool      `json:"processed"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookLog event types beyond the carrier's own event names.
const (
	LogInvalidSignature = "invalid_signature"
	LogUnparseable      = "unparseable"
	LogOrphan           = "orphan"
	LogUnhandled        = "unhandled"
	LogRateLimited      = "rate_limited"
	LogTooLarge         = "too_large"
)

// Subscription is an outbound webhook subscriber for shipment events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}
