package model

// Checkout payload as posted by the storefront. Numeric fields are typed `any`
// because upstream carts send them as numbers or numeric strings.

type CheckoutPayload struct {
	OrderID          string                 `json:"order_id,omitempty"`
	CustomerID       string                 `json:"customer_id"`
	CustomerEmail    string                 `json:"customer_email,omitempty"`
	CustomerName     string                 `json:"customer_name,omitempty"`
	DeliveryAddress  *AddressInput          `json:"delivery_address"`
	Items            []ItemInput            `json:"items,omitempty"`
	IsMultiVendor    bool                   `json:"is_multi_vendor,omitempty"`
	DeliveryType     string                 `json:"delivery_type,omitempty"`
	VendorGroups     []VendorGroupInput     `json:"vendor_groups,omitempty"`
	VendorSelections []VendorSelectionInput `json:"vendor_selections,omitempty"`
	Currency         string                 `json:"currency"`
	Dispatcher       *Dispatcher            `json:"dispatcher,omitempty"`
	TransportMode    string                 `json:"transport_mode,omitempty"`
	ServiceLevel     string                 `json:"service_level,omitempty"`
	ShippingFee      any                    `json:"shipping_fee,omitempty"`
	TotalAmount      any                    `json:"total_amount,omitempty"`
	Insurance        *InsuranceInput        `json:"insurance,omitempty"`
	AgentID          string                 `json:"agent_id,omitempty"`
	CommissionRate   any                    `json:"commission_rate,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
}

type AddressInput struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Lat        any    `json:"lat,omitempty"`
	Lng        any    `json:"lng,omitempty"`
}

type ItemInput struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Quantity   any            `json:"quantity,omitempty"`
	Price      any            `json:"price,omitempty"`
	TotalPrice any            `json:"total_price,omitempty"`
	Weight     any            `json:"weight,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VendorGroupInput is one vendor pickup in an aggregated (single-carrier) delivery.
type VendorGroupInput struct {
	VendorID      string         `json:"vendor_id"`
	VendorName    string         `json:"vendor_name,omitempty"`
	VendorEmail   string         `json:"vendor_email,omitempty"`
	PickupAddress *AddressInput  `json:"pickup_address,omitempty"`
	Items         []ItemInput    `json:"items"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// VendorSelectionInput is one vendor leg with its own carrier choice.
type VendorSelectionInput struct {
	VendorID         string         `json:"vendor_id"`
	VendorName       string         `json:"vendor_name,omitempty"`
	VendorEmail      string         `json:"vendor_email,omitempty"`
	PickupAddress    *AddressInput  `json:"pickup_address,omitempty"`
	Items            []ItemInput    `json:"items"`
	CarrierReference string         `json:"carrier_reference,omitempty"`
	CarrierName      string         `json:"carrier_name,omitempty"`
	RateID           string         `json:"rate_id,omitempty"`
	ShippingCost     any            `json:"shipping_cost,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type Dispatcher struct {
	CarrierSlug           string         `json:"carrier_slug,omitempty"`
	CarrierName           string         `json:"carrier_name,omitempty"`
	RateID                string         `json:"rate_id,omitempty"`
	Reference             string         `json:"reference,omitempty"`
	Amount                any            `json:"amount,omitempty"`
	PickupDate            string         `json:"pickup_date,omitempty"`
	EstimatedDeliveryDate string         `json:"estimated_delivery_date,omitempty"`
	PickupAddress         *AddressInput  `json:"pickup_address,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type InsuranceInput struct {
	Amount   any    `json:"amount,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ShipmentRef is returned by shipment creation.
type ShipmentRef struct {
	ShipmentID  string `json:"shipment_id"`
	Reference   string `json:"shipment_reference"`
	TrackingURL string `json:"tracking_url"`
	Status      Status `json:"status"`
}

// ShipmentDetail is the read model for GET /shipments/{reference}/status.
type ShipmentDetail struct {
	Shipment        Shipment            `json:"shipment"`
	DeliveryAddress *Address            `json:"delivery_address,omitempty"`
	Items           []ShipmentItem      `json:"items"`
	VendorGroups    []VendorGroupDetail `json:"vendor_groups"`
	TrackingEvents  []TrackingEvent     `json:"tracking_events"`
}

type VendorGroupDetail struct {
	VendorGroup
	Items []ShipmentItem `json:"items"`
}

// CarrierEvent is the parsed inbound webhook body: {event, data}.
type CarrierEvent struct {
	Event string           `json:"event"`
	Data  CarrierEventData `json:"data"`
}

type CarrierEventData struct {
	ShipmentID  string         `json:"shipment_id,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Extras      map[string]any `json:"extras,omitempty"`
}
