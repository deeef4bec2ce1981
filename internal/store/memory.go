package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shipflow/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set and in tests.
// Transactions are serialised behind one mutex and run against a staged copy
// of the shipment tables that only replaces the live copy on success.
type Memory struct {
	mu   sync.Mutex
	data *memData

	logs       map[string]model.WebhookLog
	logOrder   []string
	subs       []model.Subscription
	deliveries map[string]*memDelivery
	delivOrder []string
}

type memData struct {
	shipments       map[string]model.Shipment // id -> shipment
	shipmentByRef   map[string]string         // reference -> id
	shipmentByOrder map[string]string         // order reference -> id
	groups          map[string]model.VendorGroup
	groupsByShip    map[string][]string
	items           map[string]model.ShipmentItem
	itemsByShip     map[string][]string
	itemsByGroup    map[string][]string
	vendors         map[string]model.Vendor
	vendorByExt     map[string]string
	addresses       map[string]model.Address
	mappings        map[string]model.ExternalShipmentMapping // carrier reference -> mapping
	events          map[string][]model.TrackingEvent         // shipment id -> events
	orders          map[string]model.Order                   // reference -> order
}

func NewMemory() *Memory {
	return &Memory{
		data: &memData{
			shipments:       map[string]model.Shipment{},
			shipmentByRef:   map[string]string{},
			shipmentByOrder: map[string]string{},
			groups:          map[string]model.VendorGroup{},
			groupsByShip:    map[string][]string{},
			items:           map[string]model.ShipmentItem{},
			itemsByShip:     map[string][]string{},
			itemsByGroup:    map[string][]string{},
			vendors:         map[string]model.Vendor{},
			vendorByExt:     map[string]string{},
			addresses:       map[string]model.Address{},
			mappings:        map[string]model.ExternalShipmentMapping{},
			events:          map[string][]model.TrackingEvent{},
			orders:          map[string]model.Order{},
		},
		logs:       map[string]model.WebhookLog{},
		deliveries: map[string]*memDelivery{},
	}
}

func (d *memData) clone() *memData {
	return &memData{
		shipments:       maps.Clone(d.shipments),
		shipmentByRef:   maps.Clone(d.shipmentByRef),
		shipmentByOrder: maps.Clone(d.shipmentByOrder),
		groups:          maps.Clone(d.groups),
		groupsByShip:    maps.Clone(d.groupsByShip),
		items:           maps.Clone(d.items),
		itemsByShip:     maps.Clone(d.itemsByShip),
		itemsByGroup:    maps.Clone(d.itemsByGroup),
		vendors:         maps.Clone(d.vendors),
		vendorByExt:     maps.Clone(d.vendorByExt),
		addresses:       maps.Clone(d.addresses),
		mappings:        maps.Clone(d.mappings),
		events:          maps.Clone(d.events),
		orders:          maps.Clone(d.orders),
	}
}

// WithTx runs fn against a staged copy; the copy becomes live only when fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := &memTx{d: m.data.clone()}
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data = staged.d
	return nil
}

type memTx struct {
	d *memData
}

func (t *memTx) FindOrCreateVendor(ctx context.Context, v model.Vendor) (model.Vendor, error) {
	if id, ok := t.d.vendorByExt[v.ExternalID]; ok {
		return t.d.vendors[id], nil
	}
	v.ID = uuid.New().String()
	if v.Status == "" {
		v.Status = model.VendorActive
	}
	v.CreatedAt = time.Now().UTC()
	t.d.vendors[v.ID] = v
	t.d.vendorByExt[v.ExternalID] = v.ID
	return v, nil
}

func (t *memTx) InsertAddress(ctx context.Context, a *model.Address) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	t.d.addresses[a.ID] = *a
	return nil
}

func (t *memTx) InsertShipment(ctx context.Context, s *model.Shipment) error {
	if _, dup := t.d.shipmentByRef[s.Reference]; dup {
		return ErrDuplicateReference
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	t.d.shipments[s.ID] = *s
	t.d.shipmentByRef[s.Reference] = s.ID
	if s.OrderReference != "" {
		t.d.shipmentByOrder[s.OrderReference] = s.ID
	}
	return nil
}

func (t *memTx) InsertVendorGroup(ctx context.Context, vg *model.VendorGroup) error {
	if _, ok := t.d.shipments[vg.ShipmentID]; !ok {
		return ErrNotFound
	}
	if vg.ID == "" {
		vg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	vg.CreatedAt, vg.UpdatedAt = now, now
	t.d.groups[vg.ID] = *vg
	t.d.groupsByShip[vg.ShipmentID] = append(slices.Clip(t.d.groupsByShip[vg.ShipmentID]), vg.ID)
	return nil
}

func (t *memTx) InsertItems(ctx context.Context, items []model.ShipmentItem) error {
	now := time.Now().UTC()
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.CreatedAt = now
		t.d.items[it.ID] = *it
		if it.VendorGroupID != "" {
			t.d.itemsByGroup[it.VendorGroupID] = append(slices.Clip(t.d.itemsByGroup[it.VendorGroupID]), it.ID)
		} else {
			t.d.itemsByShip[it.ShipmentID] = append(slices.Clip(t.d.itemsByShip[it.ShipmentID]), it.ID)
		}
	}
	return nil
}

func (t *memTx) InsertExternalMapping(ctx context.Context, em *model.ExternalShipmentMapping) error {
	if em.ID == "" {
		em.ID = uuid.New().String()
	}
	if _, ok := t.d.mappings[em.CarrierReference]; ok {
		return ErrDuplicateCarrierReference
	}
	em.CreatedAt = time.Now().UTC()
	t.d.mappings[em.CarrierReference] = *em
	return nil
}

func (t *memTx) InsertTrackingEvent(ctx context.Context, e *model.TrackingEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.d.events[e.ShipmentID] = append(slices.Clip(t.d.events[e.ShipmentID]), *e)
	return nil
}

func (t *memTx) UpsertOrder(ctx context.Context, o *model.Order) error {
	if cur, ok := t.d.orders[o.Reference]; ok {
		*o = cur
		return nil
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	t.d.orders[o.Reference] = *o
	return nil
}

func (t *memTx) LockShipment(ctx context.Context, id string) (model.Shipment, error) {
	s, ok := t.d.shipments[id]
	if !ok {
		return model.Shipment{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) ListVendorGroups(ctx context.Context, shipmentID string) ([]model.VendorGroup, error) {
	out := []model.VendorGroup{}
	for _, id := range t.d.groupsByShip[shipmentID] {
		out = append(out, t.d.groups[id])
	}
	return out, nil
}

func (t *memTx) UpdateShipment(ctx context.Context, s *model.Shipment) error {
	if _, ok := t.d.shipments[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	t.d.shipments[s.ID] = *s
	return nil
}

func (t *memTx) UpdateVendorGroupStatus(ctx context.Context, id string, status model.Status) error {
	vg, ok := t.d.groups[id]
	if !ok {
		return ErrNotFound
	}
	vg.Status = status
	vg.UpdatedAt = time.Now().UTC()
	t.d.groups[id] = vg
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, reference string) (model.Order, error) {
	o, ok := t.d.orders[reference]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if _, ok := t.d.orders[o.Reference]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now().UTC()
	t.d.orders[o.Reference] = *o
	return nil
}

// GetShipmentDetail accepts a shipment id or reference.
func (m *Memory) GetShipmentDetail(ctx context.Context, key string) (model.ShipmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.data
	id, ok := d.shipmentByRef[key]
	if !ok {
		id = key
	}
	s, ok := d.shipments[id]
	if !ok {
		return model.ShipmentDetail{}, ErrNotFound
	}
	out := model.ShipmentDetail{Shipment: s, Items: []model.ShipmentItem{}, VendorGroups: []model.VendorGroupDetail{}}
	if a, ok := d.addresses[s.DeliveryAddressID]; ok {
		out.DeliveryAddress = &a
	}
	for _, iid := range d.itemsByShip[id] {
		out.Items = append(out.Items, d.items[iid])
	}
	for _, gid := range d.groupsByShip[id] {
		vgd := model.VendorGroupDetail{VendorGroup: d.groups[gid], Items: []model.ShipmentItem{}}
		for _, iid := range d.itemsByGroup[gid] {
			vgd.Items = append(vgd.Items, d.items[iid])
		}
		out.VendorGroups = append(out.VendorGroups, vgd)
	}
	evts := slices.Clone(d.events[id])
	sort.SliceStable(evts, func(i, j int) bool { return evts[i].CreatedAt.After(evts[j].CreatedAt) })
	out.TrackingEvents = append([]model.TrackingEvent{}, evts...)
	return out, nil
}

// ResolveShipment matches an external carrier reference first, then a shipment id or reference.
func (m *Memory) ResolveShipment(ctx context.Context, key string) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.data
	if em, ok := d.mappings[key]; ok {
		return Target{ShipmentID: em.ShipmentID, VendorGroupID: em.VendorGroupID}, nil
	}
	if id, ok := d.shipmentByRef[key]; ok {
		return Target{ShipmentID: id}, nil
	}
	if _, ok := d.shipments[key]; ok {
		return Target{ShipmentID: key}, nil
	}
	return Target{}, ErrNotFound
}

func (m *Memory) ResolveOrder(ctx context.Context, orderRef string) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.data.shipmentByOrder[orderRef]; ok {
		return Target{ShipmentID: id}, nil
	}
	return Target{}, ErrNotFound
}

func (m *Memory) GetOrder(ctx context.Context, reference string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data.orders[reference]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

// Inbound webhook log

func (m *Memory) InsertWebhookLog(ctx context.Context, l *model.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	m.logs[l.ID] = *l
	m.logOrder = append(m.logOrder, l.ID)
	return nil
}

func (m *Memory) MarkWebhookLog(ctx context.Context, id string, processed bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	l.Processed = processed
	l.ErrorMessage = errMsg
	m.logs[id] = l
	return nil
}

func (m *Memory) GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return model.WebhookLog{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) ListWebhookLogs(ctx context.Context, eventType, cursor string, limit int) ([]model.WebhookLog, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.logOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.WebhookLog{}
	next := ""
	for i := start; i < len(m.logOrder) && len(out) < limit; i++ {
		l := m.logs[m.logOrder[i]]
		if eventType != "" && l.EventType != eventType {
			continue
		}
		out = append(out, l)
		next = l.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if slices.Contains(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i := range m.subs {
			if m.subs[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := min(start+limit, len(m.subs))
	items := append([]model.Subscription{}, m.subs[start:end]...)
	next := ""
	if end < len(m.subs) {
		next = m.subs[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(s model.Subscription) bool { return s.ID == id })
	return nil
}

// Webhook deliveries

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.delivOrder = append(m.delivOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deliveries[id]; d != nil {
		d.Attempts++
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
		d.LatencyMs = latencyMs
	}
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if status != "" && !strings.EqualFold(d.Status, status) {
			continue
		}
		item := map[string]any{"id": d.ID, "event_type": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if !d.NextAttemptAt.IsZero() {
			item["next_attempt_at"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["last_error"] = d.LastError
		}
		out = append(out, item)
	}
	return out, "", nil
}
