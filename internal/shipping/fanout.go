package shipping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"shipflow/internal/metrics"
	"shipflow/internal/model"
	"shipflow/internal/notify"
	"shipflow/internal/realtime"
	"shipflow/internal/store"
)

const initialEventDescription = "Shipment created and awaiting pickup scheduling"

// created is what a committed creation hands to the post-commit hooks.
type created struct {
	shipment model.Shipment
	order    *model.Order
	legs     int
}

// CreateShipment validates p, classifies it and writes the shipment with all of
// its legs and items in one transaction. Post-creation notifications run after
// commit and never affect the result.
func (s *Service) CreateShipment(ctx context.Context, p *model.CheckoutPayload) (model.ShipmentRef, error) {
	if err := Validate(p); err != nil {
		return model.ShipmentRef{}, err
	}
	carrier := ClassifyShipment(p)
	dtype := ResolveDeliveryType(p)

	var (
		res *created
		err error
	)
	for attempt := 1; attempt <= maxReferenceAttempts; attempt++ {
		if carrier == model.CarrierExternal {
			res, err = s.createExternal(ctx, p)
		} else {
			res, err = s.createInternal(ctx, p, dtype)
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			break
		}
		s.Log.Warn("shipment reference collision, regenerating", zap.Int("attempt", attempt))
	}
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return model.ShipmentRef{}, err
		}
		return model.ShipmentRef{}, &IntegrityError{Op: "create shipment", Err: err}
	}

	sh := res.shipment
	metrics.ShipmentsCreated.WithLabelValues(string(sh.CarrierType), string(sh.DeliveryType)).Inc()
	s.Log.Info("shipment created",
		zap.String("shipment_reference", sh.Reference),
		zap.String("carrier_type", string(sh.CarrierType)),
		zap.String("delivery_type", string(sh.DeliveryType)),
		zap.Int("legs", res.legs),
		zap.Int("total_items", sh.TotalItems),
	)
	s.postCreate(p, res)

	return model.ShipmentRef{
		ShipmentID:  sh.ID,
		Reference:   sh.Reference,
		TrackingURL: s.trackingURL(sh.Reference),
		Status:      sh.Status,
	}, nil
}

// createExternal records a minimal shipment; the carrier owns fulfilment, so no
// legs or item rows are written.
func (s *Service) createExternal(ctx context.Context, p *model.CheckoutPayload) (*created, error) {
	now := s.now().UTC()
	totals := payloadTotals(p, ResolveDeliveryType(p))
	d := p.Dispatcher
	sh := model.Shipment{
		Reference:      NewReference(externalReferencePrefix, now),
		OrderReference: p.OrderID,
		CustomerID:     p.CustomerID,
		DeliveryType:   model.DeliverySingle,
		IsMultiVendor:  p.IsMultiVendor,
		CarrierType:    model.CarrierExternal,
		CarrierSlug:    strings.ToLower(strings.TrimSpace(d.CarrierSlug)),
		CarrierName:    d.CarrierName,
		Status:         model.StatusPending,
		TotalWeight:    totals.Weight,
		TotalItems:     totals.Items,
		TotalAmount:    totalAmount(p, totals),
		ShippingFee:    Amount(d.Amount),
		Currency:       p.Currency,
		TransportMode:  p.TransportMode,
		ServiceLevel:   p.ServiceLevel,
		Metadata: map[string]any{
			"carrier_reference": d.Reference,
			"rate_id":           d.RateID,
			"checkout":          p,
		},
	}
	applyInsurance(&sh, p)
	sh.ScheduledPickupAt = parseDate(d.PickupDate)
	sh.EstimatedDeliveryAt = parseDate(d.EstimatedDeliveryDate)

	res := &created{}
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertShipment(ctx, &sh); err != nil {
			return err
		}
		order, err := s.linkOrder(ctx, tx, p, sh, now)
		if err != nil {
			return err
		}
		res.shipment, res.order = sh, order
		return nil
	})
	return res, err
}

func (s *Service) createInternal(ctx context.Context, p *model.CheckoutPayload, dtype model.DeliveryType) (*created, error) {
	now := s.now().UTC()
	totals := payloadTotals(p, dtype)
	fee := totalShippingFee(p, dtype)
	res := &created{}

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		delivery := NormalizeAddress(p.DeliveryAddress, model.AddressDelivery)
		if err := tx.InsertAddress(ctx, &delivery); err != nil {
			return fmt.Errorf("delivery address: %w", err)
		}

		sh := model.Shipment{
			Reference:         NewReference(referencePrefix, now),
			OrderReference:    p.OrderID,
			CustomerID:        p.CustomerID,
			DeliveryType:      dtype,
			IsMultiVendor:     p.IsMultiVendor || dtype != model.DeliverySingle,
			CarrierType:       model.CarrierInternal,
			Status:            model.StatusPending,
			TotalWeight:       totals.Weight,
			TotalItems:        totals.Items,
			TotalAmount:       totalAmount(p, totals),
			ShippingFee:       fee,
			Currency:          p.Currency,
			TransportMode:     p.TransportMode,
			ServiceLevel:      p.ServiceLevel,
			DeliveryAddressID: delivery.ID,
			Metadata:          map[string]any{"checkout": p},
		}
		applyInsurance(&sh, p)
		if d := p.Dispatcher; d != nil {
			sh.CarrierSlug = strings.ToLower(strings.TrimSpace(d.CarrierSlug))
			sh.CarrierName = d.CarrierName
		}

		var scheduled bool
		if dtype == model.DeliverySingle && p.Dispatcher != nil {
			if p.Dispatcher.PickupAddress != nil {
				pickup := NormalizeAddress(p.Dispatcher.PickupAddress, model.AddressPickup)
				if err := tx.InsertAddress(ctx, &pickup); err != nil {
					return fmt.Errorf("pickup address: %w", err)
				}
				sh.PickupAddressID = pickup.ID
			}
			if at := parseDate(p.Dispatcher.PickupDate); at != nil {
				sh.Status = model.StatusPickupScheduled
				sh.ScheduledPickupAt = at
				sh.EstimatedDeliveryAt = parseDate(p.Dispatcher.EstimatedDeliveryDate)
				scheduled = true
			}
		}
		if err := tx.InsertShipment(ctx, &sh); err != nil {
			return err
		}

		var err error
		switch dtype {
		case model.DeliveryAggregated:
			res.legs, err = s.fanOutAggregated(ctx, tx, p, sh, fee)
		case model.DeliveryPerVendor:
			res.legs, err = s.fanOutPerVendor(ctx, tx, p, sh)
		default:
			items := NormalizeItems(p.Items, p.Currency)
			for i := range items {
				items[i].ShipmentID = sh.ID
			}
			err = tx.InsertItems(ctx, items)
		}
		if err != nil {
			return err
		}

		if err := tx.InsertTrackingEvent(ctx, &model.TrackingEvent{
			ShipmentID:  sh.ID,
			Status:      model.StatusPending,
			Description: initialEventDescription,
			Source:      model.SourceSystem,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if scheduled {
			if err := tx.InsertTrackingEvent(ctx, &model.TrackingEvent{
				ShipmentID:  sh.ID,
				Status:      model.StatusPickupScheduled,
				Description: "Pickup scheduled for " + sh.ScheduledPickupAt.Format("2006-01-02"),
				Source:      model.SourceSystem,
				CreatedAt:   now.Add(time.Millisecond),
			}); err != nil {
				return err
			}
		}

		order, err := s.linkOrder(ctx, tx, p, sh, now)
		if err != nil {
			return err
		}
		res.shipment, res.order = sh, order
		return nil
	})
	return res, err
}

// fanOutAggregated writes one leg per vendor group, all carried by the shipment's carrier.
func (s *Service) fanOutAggregated(ctx context.Context, tx store.Tx, p *model.CheckoutPayload, sh model.Shipment, fee float64) (int, error) {
	fees := splitFees(p, fee)
	for i, g := range p.VendorGroups {
		field := fmt.Sprintf("vendor_groups[%d]", i)
		leg := model.VendorGroup{
			ShipmentID:  sh.ID,
			ShippingFee: fees[i],
			CarrierType: model.CarrierInternal,
			Status:      model.StatusPending,
			Metadata:    legMetadata(g.Metadata, g.VendorName),
		}
		if d := p.Dispatcher; d != nil {
			leg.CarrierName, leg.RateID = d.CarrierName, d.RateID
		}
		if err := s.writeLeg(ctx, tx, field, legInput{g.VendorID, g.VendorName, g.VendorEmail, g.PickupAddress, g.Items}, p.Currency, &leg); err != nil {
			return i, err
		}
	}
	return len(p.VendorGroups), nil
}

// fanOutPerVendor writes one independently classified leg per vendor selection.
// External legs get a mapping row so carrier events can find them later.
func (s *Service) fanOutPerVendor(ctx context.Context, tx store.Tx, p *model.CheckoutPayload, sh model.Shipment) (int, error) {
	for i, sel := range p.VendorSelections {
		field := fmt.Sprintf("vendor_selections[%d]", i)
		leg := model.VendorGroup{
			ShipmentID:       sh.ID,
			ShippingFee:      Amount(sel.ShippingCost),
			CarrierType:      ClassifyLeg(sel),
			CarrierName:      sel.CarrierName,
			CarrierReference: strings.TrimSpace(sel.CarrierReference),
			RateID:           sel.RateID,
			Status:           model.StatusPending,
			Metadata:         legMetadata(sel.Metadata, sel.VendorName),
		}
		if err := s.writeLeg(ctx, tx, field, legInput{sel.VendorID, sel.VendorName, sel.VendorEmail, sel.PickupAddress, sel.Items}, p.Currency, &leg); err != nil {
			return i, err
		}
		if leg.CarrierType != model.CarrierExternal {
			continue
		}
		if err := tx.InsertExternalMapping(ctx, &model.ExternalShipmentMapping{
			ShipmentID:       sh.ID,
			VendorGroupID:    leg.ID,
			CarrierReference: leg.CarrierReference,
			CarrierName:      leg.CarrierName,
			RateID:           leg.RateID,
		}); err != nil {
			if errors.Is(err, store.ErrDuplicateCarrierReference) {
				return i, &ValidationError{Fields: []FieldError{{Field: field + ".carrier_reference", Message: "is already assigned to another shipment"}}}
			}
			return i, fmt.Errorf("%s external mapping: %w", field, err)
		}
	}
	return len(p.VendorSelections), nil
}

type legInput struct {
	vendorID, vendorName, vendorEmail string
	pickup                            *model.AddressInput
	items                             []model.ItemInput
}

// writeLeg registers the vendor, snapshots the pickup address, and inserts the
// leg with its items. leg carries the branch-specific fields and is completed here.
func (s *Service) writeLeg(ctx context.Context, tx store.Tx, field string, in legInput, currency string, leg *model.VendorGroup) error {
	vendor, err := tx.FindOrCreateVendor(ctx, model.Vendor{ExternalID: in.vendorID, Name: in.vendorName, Email: in.vendorEmail})
	if err != nil {
		return fmt.Errorf("%s vendor: %w", field, err)
	}
	if in.pickup != nil {
		addr := NormalizeAddress(in.pickup, model.AddressPickup)
		if err := tx.InsertAddress(ctx, &addr); err != nil {
			return fmt.Errorf("%s pickup address: %w", field, err)
		}
		leg.PickupAddressID = addr.ID
	}
	items := NormalizeItems(in.items, currency)
	t := ComputeTotals(items)
	leg.VendorID = vendor.ID
	leg.Weight = t.Weight
	leg.ItemCount = t.Items
	if err := tx.InsertVendorGroup(ctx, leg); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for i := range items {
		items[i].VendorGroupID = leg.ID
	}
	if err := tx.InsertItems(ctx, items); err != nil {
		return fmt.Errorf("%s items: %w", field, err)
	}
	return nil
}

// linkOrder creates the order on first sight and records the creation in its history.
func (s *Service) linkOrder(ctx context.Context, tx store.Tx, p *model.CheckoutPayload, sh model.Shipment, now time.Time) (*model.Order, error) {
	if strings.TrimSpace(p.OrderID) == "" {
		return nil, nil
	}
	o := model.Order{
		Reference:      p.OrderID,
		CustomerID:     p.CustomerID,
		CustomerEmail:  customerEmail(p),
		ShipmentStatus: sh.Status,
		TotalAmount:    sh.TotalAmount,
		Currency:       sh.Currency,
		AgentID:        p.AgentID,
	}
	if err := tx.UpsertOrder(ctx, &o); err != nil {
		return nil, fmt.Errorf("order: %w", err)
	}
	o.ShipmentStatus = sh.Status
	o.TrackingHistory = AppendHistory(o.TrackingHistory, model.HistoryEntry{
		Status:      sh.Status,
		Description: initialEventDescription,
		Source:      model.SourceSystem,
		Metadata:    map[string]any{"shipment_reference": sh.Reference},
		Timestamp:   now,
	})
	if err := tx.UpdateOrder(ctx, &o); err != nil {
		return nil, fmt.Errorf("order: %w", err)
	}
	return &o, nil
}

// postCreate fires the detached post-creation notifications.
func (s *Service) postCreate(p *model.CheckoutPayload, res *created) {
	sh := res.shipment
	if s.Broker != nil {
		s.Broker.Publish(sh.Reference, realtime.Event{Type: "shipment.created", Data: map[string]any{
			"shipment_reference": sh.Reference,
			"status":             sh.Status,
		}})
	}
	if s.Mailer != nil {
		if email := customerEmail(p); email != "" {
			s.afterCommit("mail.confirmation", func(ctx context.Context) error {
				return s.Mailer.SendMail(ctx, notify.Mail{
					Email:    email,
					Subject:  "Your shipment " + sh.Reference + " has been created",
					Content:  "Track your shipment at " + s.trackingURL(sh.Reference),
					Template: notify.TemplateShipmentCreated,
					Data:     map[string]any{"reference": sh.Reference, "customer_name": p.CustomerName, "order_id": p.OrderID},
				})
			})
		}
		if s.OpsEmail != "" && sh.CarrierType == model.CarrierInternal {
			s.afterCommit("mail.pickup", func(ctx context.Context) error {
				return s.Mailer.SendMail(ctx, notify.Mail{
					Email:    s.OpsEmail,
					Subject:  "Pickup request for " + sh.Reference,
					Content:  fmt.Sprintf("%d item(s), %d vendor leg(s), %.2fkg", sh.TotalItems, res.legs, sh.TotalWeight),
					Template: notify.TemplatePickupRequest,
					Data:     map[string]any{"reference": sh.Reference, "delivery_type": sh.DeliveryType},
				})
			})
		}
	}
	if s.Ledger != nil && res.order != nil && p.AgentID != "" && p.CommissionRate != nil {
		if rate, err := cast.ToFloat64E(p.CommissionRate); err == nil && rate > 0 {
			orderRef := res.order.Reference
			s.afterCommit("commission.create", func(ctx context.Context) error {
				return s.Ledger.CreateCommission(ctx, orderRef, p.AgentID, rate)
			})
		}
	}
}

// payloadTotals sums the items that the chosen branch will write.
func payloadTotals(p *model.CheckoutPayload, dtype model.DeliveryType) Totals {
	var t Totals
	switch dtype {
	case model.DeliveryAggregated:
		for _, g := range p.VendorGroups {
			t = t.Add(ComputeTotals(NormalizeItems(g.Items, p.Currency)))
		}
	case model.DeliveryPerVendor:
		for _, sel := range p.VendorSelections {
			t = t.Add(ComputeTotals(NormalizeItems(sel.Items, p.Currency)))
		}
	default:
		t = ComputeTotals(NormalizeItems(p.Items, p.Currency))
	}
	return t
}

func totalAmount(p *model.CheckoutPayload, t Totals) float64 {
	if p.TotalAmount != nil {
		if v, err := cast.ToFloat64E(p.TotalAmount); err == nil && v >= 0 {
			return v
		}
	}
	return t.Amount
}

// totalShippingFee prefers the dispatcher quote, then the payload fee, then the
// sum of per-vendor costs.
func totalShippingFee(p *model.CheckoutPayload, dtype model.DeliveryType) float64 {
	if p.Dispatcher != nil && p.Dispatcher.Amount != nil {
		return Amount(p.Dispatcher.Amount)
	}
	if p.ShippingFee != nil {
		return Amount(p.ShippingFee)
	}
	if dtype == model.DeliveryPerVendor {
		var sum float64
		for _, sel := range p.VendorSelections {
			sum += Amount(sel.ShippingCost)
		}
		return sum
	}
	return 0
}

// splitFees assigns each vendor group its fee from dispatcher.metadata.vendor_breakdown
// when every group is listed there, otherwise splits total equally with the rounding
// remainder on the last group.
func splitFees(p *model.CheckoutPayload, total float64) []float64 {
	n := len(p.VendorGroups)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if p.Dispatcher != nil {
		if bd, ok := p.Dispatcher.Metadata["vendor_breakdown"].(map[string]any); ok {
			complete := true
			for i, g := range p.VendorGroups {
				v, ok := bd[g.VendorID]
				if !ok {
					complete = false
					break
				}
				out[i] = Amount(v)
			}
			if complete {
				return out
			}
		}
	}
	share := math.Round(total/float64(n)*100) / 100
	var assigned float64
	for i := 0; i < n-1; i++ {
		out[i] = share
		assigned += share
	}
	out[n-1] = math.Round((total-assigned)*100) / 100
	return out
}

func applyInsurance(sh *model.Shipment, p *model.CheckoutPayload) {
	if p.Insurance == nil {
		return
	}
	if p.Insurance.Amount != nil {
		v := Amount(p.Insurance.Amount)
		sh.InsuranceAmount = &v
	}
	sh.InsuranceProvider = p.Insurance.Provider
}

func legMetadata(m map[string]any, vendorName string) map[string]any {
	if m == nil && vendorName == "" {
		return nil
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if vendorName != "" {
		out["vendor_name"] = vendorName
	}
	return out
}

func customerEmail(p *model.CheckoutPayload) string {
	if p.CustomerEmail != "" {
		return p.CustomerEmail
	}
	if p.DeliveryAddress != nil {
		return p.DeliveryAddress.Email
	}
	return ""
}

// parseDate accepts RFC3339 or a plain YYYY-MM-DD.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
