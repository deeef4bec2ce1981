package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shipflow/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir in lexical order. Migrations are written to be re-runnable.
func (p *Postgres) MigrateDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) FindOrCreateVendor(ctx context.Context, v model.Vendor) (model.Vendor, error) {
	if v.Status == "" {
		v.Status = model.VendorActive
	}
	var out model.Vendor
	var status string
	err := t.tx.QueryRowContext(ctx, `INSERT INTO vendors (id, external_id, name, email, status) VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (external_id) DO UPDATE SET external_id=EXCLUDED.external_id
        RETURNING id::text, external_id, COALESCE(name,''), COALESCE(email,''), status, created_at`,
		uuid.New(), v.ExternalID, nullIfEmpty(v.Name), nullIfEmpty(v.Email), string(v.Status)).
		Scan(&out.ID, &out.ExternalID, &out.Name, &out.Email, &status, &out.CreatedAt)
	if err != nil {
		return model.Vendor{}, err
	}
	out.Status = model.VendorStatus(status)
	return out, nil
}

func (t *pgTx) InsertAddress(ctx context.Context, a *model.Address) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `INSERT INTO addresses (id, kind, first_name, last_name, line1, line2, city, state, country, postal_code, phone, email, lat, lng, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.Kind, nullIfEmpty(a.FirstName), nullIfEmpty(a.LastName), a.Line1, nullIfEmpty(a.Line2), a.City, a.State, a.Country,
		nullIfEmpty(a.PostalCode), nullIfEmpty(a.Phone), nullIfEmpty(a.Email), a.Lat, a.Lng, a.CreatedAt)
	return err
}

func (t *pgTx) InsertShipment(ctx context.Context, s *model.Shipment) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, `INSERT INTO shipments (id, reference, order_reference, customer_id, delivery_type, is_multi_vendor, carrier_type, carrier_slug, carrier_name,
        status, total_weight, total_items, total_amount, shipping_fee, currency, transport_mode, service_level, insurance_amount, insurance_provider,
        delivery_address_id, pickup_address_id, scheduled_pickup_at, estimated_delivery_at, metadata, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$25)`,
		s.ID, s.Reference, nullIfEmpty(s.OrderReference), s.CustomerID, string(s.DeliveryType), s.IsMultiVendor, string(s.CarrierType),
		nullIfEmpty(s.CarrierSlug), nullIfEmpty(s.CarrierName), string(s.Status), s.TotalWeight, s.TotalItems, s.TotalAmount, s.ShippingFee,
		s.Currency, nullIfEmpty(s.TransportMode), nullIfEmpty(s.ServiceLevel), s.InsuranceAmount, nullIfEmpty(s.InsuranceProvider),
		nullIfEmpty(s.DeliveryAddressID), nullIfEmpty(s.PickupAddressID), s.ScheduledPickupAt, s.EstimatedDeliveryAt, toJSON(s.Metadata), now)
	if isUniqueViolation(err, "shipments_reference_key") {
		return ErrDuplicateReference
	}
	return err
}

func (t *pgTx) InsertVendorGroup(ctx context.Context, vg *model.VendorGroup) error {
	if vg.ID == "" {
		vg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	vg.CreatedAt, vg.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, `INSERT INTO shipment_vendor_groups (id, shipment_id, vendor_id, pickup_address_id, shipping_fee, weight, item_count,
        carrier_type, carrier_name, carrier_reference, rate_id, status, metadata, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		vg.ID, vg.ShipmentID, vg.VendorID, nullIfEmpty(vg.PickupAddressID), vg.ShippingFee, vg.Weight, vg.ItemCount,
		string(vg.CarrierType), nullIfEmpty(vg.CarrierName), nullIfEmpty(vg.CarrierReference), nullIfEmpty(vg.RateID),
		string(vg.Status), toJSON(vg.Metadata), now)
	return err
}

func (t *pgTx) InsertItems(ctx context.Context, items []model.ShipmentItem) error {
	now := time.Now().UTC()
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.CreatedAt = now
		_, err := t.tx.ExecContext(ctx, `INSERT INTO shipment_items (id, shipment_id, vendor_group_id, item_id, name, quantity, price, total_price, weight, currency, dimensions, metadata, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			it.ID, nullIfEmpty(it.ShipmentID), nullIfEmpty(it.VendorGroupID), it.ItemID, it.Name, it.Quantity, it.Price, it.TotalPrice,
			it.Weight, it.Currency, toJSON(it.Dimensions), toJSON(it.Metadata), now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertExternalMapping(ctx context.Context, m *model.ExternalShipmentMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `INSERT INTO external_shipment_mappings (id, shipment_id, vendor_group_id, carrier_reference, carrier_name, rate_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ShipmentID, m.VendorGroupID, m.CarrierReference, nullIfEmpty(m.CarrierName), nullIfEmpty(m.RateID), m.CreatedAt)
	if isUniqueViolation(err, "external_shipment_mappings_carrier_reference_key") {
		return ErrDuplicateCarrierReference
	}
	return err
}

func (t *pgTx) InsertTrackingEvent(ctx context.Context, e *model.TrackingEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO tracking_events (id, shipment_id, status, description, location, metadata, source, performed_by, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ShipmentID, string(e.Status), e.Description, nullIfEmpty(e.Location), toJSON(e.Metadata), e.Source, nullIfEmpty(e.PerformedBy), e.CreatedAt)
	return err
}

// UpsertOrder creates the order row if absent and loads the stored row into o.
func (t *pgTx) UpsertOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	hist := o.TrackingHistory
	if hist == nil {
		hist = []model.HistoryEntry{}
	}
	hb, _ := json.Marshal(hist)
	_, err := t.tx.ExecContext(ctx, `INSERT INTO orders (id, reference, customer_id, customer_email, shipment_status, tracking_history, total_amount, currency, agent_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (reference) DO NOTHING`,
		o.ID, o.Reference, o.CustomerID, nullIfEmpty(o.CustomerEmail), string(o.ShipmentStatus), string(hb), o.TotalAmount, o.Currency, nullIfEmpty(o.AgentID))
	if err != nil {
		return err
	}
	got, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE reference=$1`, o.Reference))
	if err != nil {
		return err
	}
	*o = got
	return nil
}

func (t *pgTx) LockShipment(ctx context.Context, id string) (model.Shipment, error) {
	return scanShipment(t.tx.QueryRowContext(ctx, `SELECT `+shipmentCols+` FROM shipments WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) ListVendorGroups(ctx context.Context, shipmentID string) ([]model.VendorGroup, error) {
	return queryVendorGroups(ctx, t.tx, shipmentID)
}

func (t *pgTx) UpdateShipment(ctx context.Context, s *model.Shipment) error {
	s.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `UPDATE shipments SET status=$2, delivered_at=$3, cancellation_reason=$4, metadata=$5, updated_at=$6 WHERE id=$1`,
		s.ID, string(s.Status), s.DeliveredAt, nullIfEmpty(s.CancellationReason), toJSON(s.Metadata), s.UpdatedAt)
	return affectedOne(res, err)
}

func (t *pgTx) UpdateVendorGroupStatus(ctx context.Context, id string, status model.Status) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE shipment_vendor_groups SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
	return affectedOne(res, err)
}

func (t *pgTx) LockOrder(ctx context.Context, reference string) (model.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE reference=$1 FOR UPDATE`, reference))
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	o.UpdatedAt = time.Now().UTC()
	hist := o.TrackingHistory
	if hist == nil {
		hist = []model.HistoryEntry{}
	}
	hb, err := json.Marshal(hist)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE orders SET shipment_status=$2, tracking_history=$3, delivered_at=$4, cancellation_reason=$5, updated_at=$6 WHERE reference=$1`,
		o.Reference, string(o.ShipmentStatus), string(hb), o.DeliveredAt, nullIfEmpty(o.CancellationReason), o.UpdatedAt)
	return affectedOne(res, err)
}

// Read side

func (p *Postgres) GetShipmentDetail(ctx context.Context, key string) (model.ShipmentDetail, error) {
	s, err := scanShipment(p.db.QueryRowContext(ctx, `SELECT `+shipmentCols+` FROM shipments WHERE reference=$1 OR id::text=$1 LIMIT 1`, key))
	if err != nil {
		return model.ShipmentDetail{}, err
	}
	out := model.ShipmentDetail{Shipment: s, Items: []model.ShipmentItem{}, VendorGroups: []model.VendorGroupDetail{}, TrackingEvents: []model.TrackingEvent{}}
	if s.DeliveryAddressID != "" {
		a, err := p.getAddress(ctx, s.DeliveryAddressID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return model.ShipmentDetail{}, err
		}
		if err == nil {
			out.DeliveryAddress = &a
		}
	}
	if out.Items, err = p.queryItems(ctx, `shipment_id=$1`, s.ID); err != nil {
		return model.ShipmentDetail{}, err
	}
	groups, err := queryVendorGroups(ctx, p.db, s.ID)
	if err != nil {
		return model.ShipmentDetail{}, err
	}
	for _, g := range groups {
		items, err := p.queryItems(ctx, `vendor_group_id=$1`, g.ID)
		if err != nil {
			return model.ShipmentDetail{}, err
		}
		out.VendorGroups = append(out.VendorGroups, model.VendorGroupDetail{VendorGroup: g, Items: items})
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, shipment_id::text, status, description, COALESCE(location,''), metadata, source, COALESCE(performed_by,''), created_at
        FROM tracking_events WHERE shipment_id=$1 ORDER BY created_at DESC`, s.ID)
	if err != nil {
		return model.ShipmentDetail{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e model.TrackingEvent
		var st string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ShipmentID, &st, &e.Description, &e.Location, &meta, &e.Source, &e.PerformedBy, &e.CreatedAt); err != nil {
			return model.ShipmentDetail{}, err
		}
		e.Status = model.Status(st)
		e.Metadata = fromJSON(meta)
		out.TrackingEvents = append(out.TrackingEvents, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveShipment(ctx context.Context, key string) (Target, error) {
	var tgt Target
	err := p.db.QueryRowContext(ctx, `SELECT shipment_id::text, vendor_group_id::text FROM external_shipment_mappings WHERE carrier_reference=$1`, key).
		Scan(&tgt.ShipmentID, &tgt.VendorGroupID)
	if err == nil {
		return tgt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Target{}, err
	}
	err = p.db.QueryRowContext(ctx, `SELECT id::text FROM shipments WHERE reference=$1 OR id::text=$1 LIMIT 1`, key).Scan(&tgt.ShipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	return tgt, err
}

func (p *Postgres) ResolveOrder(ctx context.Context, orderRef string) (Target, error) {
	var tgt Target
	err := p.db.QueryRowContext(ctx, `SELECT id::text FROM shipments WHERE order_reference=$1 ORDER BY created_at DESC LIMIT 1`, orderRef).Scan(&tgt.ShipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	return tgt, err
}

func (p *Postgres) GetOrder(ctx context.Context, reference string) (model.Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE reference=$1`, reference))
}

func (p *Postgres) getAddress(ctx context.Context, id string) (model.Address, error) {
	var a model.Address
	var lat, lng sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT id::text, kind, COALESCE(first_name,''), COALESCE(last_name,''), line1, COALESCE(line2,''), city, state, country,
        COALESCE(postal_code,''), COALESCE(phone,''), COALESCE(email,''), lat, lng, created_at FROM addresses WHERE id=$1`, id).
		Scan(&a.ID, &a.Kind, &a.FirstName, &a.LastName, &a.Line1, &a.Line2, &a.City, &a.State, &a.Country, &a.PostalCode, &a.Phone, &a.Email, &lat, &lng, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Address{}, ErrNotFound
	}
	if lat.Valid {
		a.Lat = &lat.Float64
	}
	if lng.Valid {
		a.Lng = &lng.Float64
	}
	return a, err
}

func (p *Postgres) queryItems(ctx context.Context, where string, arg string) ([]model.ShipmentItem, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(shipment_id::text,''), COALESCE(vendor_group_id::text,''), item_id, name, quantity, price, total_price,
        weight, currency, dimensions, metadata, created_at FROM shipment_items WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ShipmentItem{}
	for rows.Next() {
		var it model.ShipmentItem
		var dims, meta []byte
		if err := rows.Scan(&it.ID, &it.ShipmentID, &it.VendorGroupID, &it.ItemID, &it.Name, &it.Quantity, &it.Price, &it.TotalPrice,
			&it.Weight, &it.Currency, &dims, &meta, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Dimensions = fromJSON(dims)
		it.Metadata = fromJSON(meta)
		out = append(out, it)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryVendorGroups(ctx context.Context, q queryer, shipmentID string) ([]model.VendorGroup, error) {
	rows, err := q.QueryContext(ctx, `SELECT id::text, shipment_id::text, vendor_id::text, COALESCE(pickup_address_id::text,''), shipping_fee, weight, item_count,
        carrier_type, COALESCE(carrier_name,''), COALESCE(carrier_reference,''), COALESCE(rate_id,''), status, metadata, created_at, updated_at
        FROM shipment_vendor_groups WHERE shipment_id=$1 ORDER BY created_at, id`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.VendorGroup{}
	for rows.Next() {
		var g model.VendorGroup
		var ct, st string
		var meta []byte
		if err := rows.Scan(&g.ID, &g.ShipmentID, &g.VendorID, &g.PickupAddressID, &g.ShippingFee, &g.Weight, &g.ItemCount,
			&ct, &g.CarrierName, &g.CarrierReference, &g.RateID, &st, &meta, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.CarrierType = model.CarrierType(ct)
		g.Status = model.Status(st)
		g.Metadata = fromJSON(meta)
		out = append(out, g)
	}
	return out, rows.Err()
}

const shipmentCols = `id::text, reference, COALESCE(order_reference,''), customer_id, delivery_type, is_multi_vendor, carrier_type, COALESCE(carrier_slug,''),
    COALESCE(carrier_name,''), status, total_weight, total_items, total_amount, shipping_fee, currency, COALESCE(transport_mode,''), COALESCE(service_level,''),
    insurance_amount, COALESCE(insurance_provider,''), COALESCE(delivery_address_id::text,''), COALESCE(pickup_address_id::text,''),
    scheduled_pickup_at, estimated_delivery_at, delivered_at, COALESCE(cancellation_reason,''), metadata, created_at, updated_at`

func scanShipment(row *sql.Row) (model.Shipment, error) {
	var s model.Shipment
	var dt, ct, st string
	var ins sql.NullFloat64
	var pickup, eta, delivered sql.NullTime
	var meta []byte
	err := row.Scan(&s.ID, &s.Reference, &s.OrderReference, &s.CustomerID, &dt, &s.IsMultiVendor, &ct, &s.CarrierSlug,
		&s.CarrierName, &st, &s.TotalWeight, &s.TotalItems, &s.TotalAmount, &s.ShippingFee, &s.Currency, &s.TransportMode, &s.ServiceLevel,
		&ins, &s.InsuranceProvider, &s.DeliveryAddressID, &s.PickupAddressID,
		&pickup, &eta, &delivered, &s.CancellationReason, &meta, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Shipment{}, ErrNotFound
	}
	if err != nil {
		return model.Shipment{}, err
	}
	s.DeliveryType = model.DeliveryType(dt)
	s.CarrierType = model.CarrierType(ct)
	s.Status = model.Status(st)
	if ins.Valid {
		s.InsuranceAmount = &ins.Float64
	}
	s.ScheduledPickupAt = nullTime(pickup)
	s.EstimatedDeliveryAt = nullTime(eta)
	s.DeliveredAt = nullTime(delivered)
	s.Metadata = fromJSON(meta)
	return s, nil
}

const orderCols = `id::text, reference, customer_id, COALESCE(customer_email,''), shipment_status, tracking_history, total_amount, currency,
    COALESCE(agent_id,''), delivered_at, COALESCE(cancellation_reason,''), created_at, updated_at`

func scanOrder(row *sql.Row) (model.Order, error) {
	var o model.Order
	var st string
	var hist []byte
	var delivered sql.NullTime
	err := row.Scan(&o.ID, &o.Reference, &o.CustomerID, &o.CustomerEmail, &st, &hist, &o.TotalAmount, &o.Currency,
		&o.AgentID, &delivered, &o.CancellationReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	o.ShipmentStatus = model.Status(st)
	o.DeliveredAt = nullTime(delivered)
	o.TrackingHistory = []model.HistoryEntry{}
	if len(hist) > 0 {
		if err := json.Unmarshal(hist, &o.TrackingHistory); err != nil {
			return model.Order{}, fmt.Errorf("order %s tracking_history: %w", o.Reference, err)
		}
	}
	return o, nil
}

// Inbound webhook log

func (p *Postgres) InsertWebhookLog(ctx context.Context, l *model.WebhookLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO carrier_webhook_logs (id, carrier, event_type, target_ref, payload, signature, processed, error_message, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.Carrier, l.EventType, nullIfEmpty(l.TargetRef), string(l.Payload), nullIfEmpty(l.Signature), l.Processed, nullIfEmpty(l.ErrorMessage), l.CreatedAt)
	return err
}

func (p *Postgres) MarkWebhookLog(ctx context.Context, id string, processed bool, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE carrier_webhook_logs SET processed=$2, error_message=$3 WHERE id=$1`, id, processed, nullIfEmpty(errMsg))
	return affectedOne(res, err)
}

const webhookLogCols = `id::text, carrier, event_type, COALESCE(target_ref,''), payload, COALESCE(signature,''), processed, COALESCE(error_message,''), created_at`

func (p *Postgres) GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error) {
	var l model.WebhookLog
	var payload string
	err := p.db.QueryRowContext(ctx, `SELECT `+webhookLogCols+` FROM carrier_webhook_logs WHERE id=$1`, id).
		Scan(&l.ID, &l.Carrier, &l.EventType, &l.TargetRef, &payload, &l.Signature, &l.Processed, &l.ErrorMessage, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookLog{}, ErrNotFound
	}
	l.Payload = []byte(payload)
	return l, err
}

func (p *Postgres) ListWebhookLogs(ctx context.Context, eventType, cursor string, limit int) ([]model.WebhookLog, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+webhookLogCols+` FROM carrier_webhook_logs
        WHERE ($1 = '' OR event_type=$1) AND ($2 = '' OR id::text > $2) ORDER BY id LIMIT $3`, eventType, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.WebhookLog{}
	var last string
	for rows.Next() {
		var l model.WebhookLog
		var payload string
		if err := rows.Scan(&l.ID, &l.Carrier, &l.EventType, &l.TargetRef, &payload, &l.Signature, &l.Processed, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, "", err
		}
		l.Payload = []byte(payload)
		out = append(out, l)
		last = l.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, string(ev), nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	want, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE events @> $1::jsonb`, string(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
        WHERE ($1 = '' OR id::text > $1) ORDER BY id LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`,
		id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries
        WHERE ($1 = '' OR status=$1) AND ($2 = '' OR id::text > $2) ORDER BY id LIMIT $3`, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "event_type": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["next_attempt_at"] = nextAt.Time
		}
		if lastErr != "" {
			m["last_error"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

// computeDedupKey uses the payload's "id" when present, else a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// toJSON encodes a map for a jsonb column; nil stays NULL.
func toJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func fromJSON(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	return m
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
