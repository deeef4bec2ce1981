package shipping

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shipflow/internal/model"
	"shipflow/internal/notify"
	"shipflow/internal/realtime"
	"shipflow/internal/store"
)

// StatusUpdate is one status change for a shipment, or for a single leg when
// Target.VendorGroupID is set.
type StatusUpdate struct {
	Target      store.Target
	Status      model.Status
	Event       string
	Description string
	Location    string
	Reason      string
	Source      string
	PerformedBy string
	Metadata    map[string]any
}

// Transition reports what an applied update did to the aggregate status.
type Transition struct {
	ShipmentID string       `json:"shipment_id"`
	Reference  string       `json:"shipment_reference"`
	OrderRef   string       `json:"order_reference,omitempty"`
	Previous   model.Status `json:"previous_status"`
	Current    model.Status `json:"status"`
}

// Changed is true when the aggregate moved; side effects key off it.
func (t Transition) Changed() bool { return t.Previous != t.Current }

// ApplyStatus writes u and the recomputed aggregate in one transaction that
// holds the shipment and order row locks, so concurrent carrier events for the
// same shipment serialise.
func (s *Service) ApplyStatus(ctx context.Context, u StatusUpdate) (Transition, error) {
	return s.apply(ctx, u, nil)
}

// Cancel cancels a shipment by id or reference. Only shipments that have not
// been picked up yet can be cancelled.
func (s *Service) Cancel(ctx context.Context, key, reason string) (Transition, error) {
	tgt, err := s.Store.ResolveShipment(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Transition{}, &NotFoundError{Kind: "shipment", Key: key}
	}
	if err != nil {
		return Transition{}, &IntegrityError{Op: "resolve shipment", Err: err}
	}
	if reason == "" {
		reason = "Cancelled by customer"
	}
	u := StatusUpdate{
		Target:      store.Target{ShipmentID: tgt.ShipmentID},
		Status:      model.StatusCancelled,
		Event:       "shipment.cancelled",
		Description: "Shipment cancelled: " + reason,
		Reason:      reason,
		Source:      model.SourceSystem,
		PerformedBy: "customer",
	}
	return s.apply(ctx, u, func(sh model.Shipment) error {
		if !sh.Status.Cancellable() {
			return &StateConflictError{Message: fmt.Sprintf("shipment %s is %s and can no longer be cancelled", sh.Reference, sh.Status)}
		}
		return nil
	})
}

type applied struct {
	tr       Transition
	shipment model.Shipment
	order    *model.Order
}

func (s *Service) apply(ctx context.Context, u StatusUpdate, guard func(model.Shipment) error) (Transition, error) {
	if u.Source == "" {
		u.Source = model.SourceSystem
	}
	if u.Description == "" {
		u.Description = Describe(u.Event, u.Status)
	}
	now := s.now().UTC()
	var res applied

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		sh, err := tx.LockShipment(ctx, u.Target.ShipmentID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(sh); err != nil {
				return err
			}
		}
		var order *model.Order
		if sh.OrderReference != "" {
			o, err := tx.LockOrder(ctx, sh.OrderReference)
			switch {
			case err == nil:
				order = &o
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		legs, err := tx.ListVendorGroups(ctx, sh.ID)
		if err != nil {
			return err
		}
		statuses := make([]model.Status, 0, max(len(legs), 1))
		if len(legs) == 0 {
			// the shipment is its own single leg
			own := u.Status
			if sh.Status.Terminal() {
				own = sh.Status
			}
			statuses = append(statuses, own)
		}
		for _, leg := range legs {
			if legTargeted(leg, u.Target) && leg.Status != u.Status {
				if err := tx.UpdateVendorGroupStatus(ctx, leg.ID, u.Status); err != nil {
					return err
				}
				leg.Status = u.Status
			}
			statuses = append(statuses, leg.Status)
		}

		prev := sh.Status
		sh.Status = Aggregate(statuses)
		if sh.Status != prev {
			switch sh.Status {
			case model.StatusDelivered:
				sh.DeliveredAt = &now
			case model.StatusCancelled:
				sh.CancellationReason = cancellationReason(u)
			}
		}
		if err := tx.UpdateShipment(ctx, &sh); err != nil {
			return err
		}

		meta := map[string]any{"event": u.Event, "aggregate_status": sh.Status}
		if u.Target.VendorGroupID != "" {
			meta["vendor_group_id"] = u.Target.VendorGroupID
		}
		for k, v := range u.Metadata {
			meta[k] = v
		}
		if err := tx.InsertTrackingEvent(ctx, &model.TrackingEvent{
			ShipmentID:  sh.ID,
			Status:      u.Status,
			Description: u.Description,
			Location:    u.Location,
			Metadata:    meta,
			Source:      u.Source,
			PerformedBy: u.PerformedBy,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		if order != nil {
			if sh.Status != order.ShipmentStatus {
				switch sh.Status {
				case model.StatusDelivered:
					order.DeliveredAt = &now
				case model.StatusCancelled:
					order.CancellationReason = sh.CancellationReason
				}
			}
			order.ShipmentStatus = sh.Status
			order.TrackingHistory = AppendHistory(order.TrackingHistory, model.HistoryEntry{
				Status:      u.Status,
				Description: u.Description,
				Location:    u.Location,
				Metadata:    map[string]any{"shipment_reference": sh.Reference, "event": u.Event},
				Source:      u.Source,
				PerformedBy: u.PerformedBy,
				Timestamp:   now,
			})
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}

		res = applied{
			tr:       Transition{ShipmentID: sh.ID, Reference: sh.Reference, OrderRef: sh.OrderReference, Previous: prev, Current: sh.Status},
			shipment: sh,
			order:    order,
		}
		return nil
	})
	if err != nil {
		var sc *StateConflictError
		switch {
		case errors.As(err, &sc):
			return Transition{}, err
		case errors.Is(err, store.ErrNotFound):
			return Transition{}, &NotFoundError{Kind: "shipment", Key: u.Target.ShipmentID}
		}
		return Transition{}, &IntegrityError{Op: "apply status", Err: err}
	}

	s.Log.Info("shipment status applied",
		zap.String("shipment_reference", res.tr.Reference),
		zap.String("event", u.Event),
		zap.String("leg_status", string(u.Status)),
		zap.String("previous", string(res.tr.Previous)),
		zap.String("status", string(res.tr.Current)),
	)
	s.postTransition(u, res)
	return res.tr, nil
}

// legTargeted: a leg-scoped update touches only its leg; a shipment-scoped one
// touches every leg. Finished legs never change.
func legTargeted(leg model.VendorGroup, tgt store.Target) bool {
	if leg.Status.Terminal() {
		return false
	}
	return tgt.VendorGroupID == "" || leg.ID == tgt.VendorGroupID
}

func cancellationReason(u StatusUpdate) string {
	if u.Reason != "" {
		return u.Reason
	}
	return "Cancelled by carrier"
}

// postTransition publishes every applied update to observers. Subscriber
// webhooks, status mail and commission calls only fire when the aggregate
// actually moved, so a redelivered event cannot approve or reverse twice.
func (s *Service) postTransition(u StatusUpdate, res applied) {
	tr, sh := res.tr, res.shipment
	data := map[string]any{
		"shipment_id":        tr.ShipmentID,
		"shipment_reference": tr.Reference,
		"order_reference":    tr.OrderRef,
		"event":              u.Event,
		"leg_status":         u.Status,
		"previous_status":    tr.Previous,
		"status":             tr.Current,
	}
	if s.Broker != nil {
		s.Broker.Publish(tr.Reference, realtime.Event{Type: "shipment.tracking", Data: data})
	}
	if !tr.Changed() {
		return
	}
	if s.Broker != nil {
		s.Broker.Publish(tr.Reference, realtime.Event{Type: "shipment.status_changed", Data: data})
	}
	if s.Events != nil {
		s.afterCommit("webhook.emit", func(ctx context.Context) error {
			s.Events.Emit(ctx, "shipment.status_changed", data)
			return nil
		})
	}
	if s.Mailer != nil && res.order != nil && res.order.CustomerEmail != "" {
		email := res.order.CustomerEmail
		s.afterCommit("mail.status", func(ctx context.Context) error {
			return s.Mailer.SendMail(ctx, notify.Mail{
				Email:    email,
				Subject:  fmt.Sprintf("Shipment %s: %s", tr.Reference, Describe(u.Event, tr.Current)),
				Content:  "Track your shipment at " + s.trackingURL(tr.Reference),
				Template: notify.TemplateStatusUpdate,
				Data:     data,
			})
		})
	}
	if s.Ledger == nil || res.order == nil {
		return
	}
	orderRef := res.order.Reference
	switch tr.Current {
	case model.StatusDelivered:
		s.afterCommit("commission.approve", func(ctx context.Context) error {
			if err := s.Ledger.ApproveCommission(ctx, orderRef); err != nil {
				return &UpstreamError{Service: "ledger", Err: err}
			}
			return nil
		})
	case model.StatusCancelled:
		amount := res.order.TotalAmount
		if amount == 0 {
			amount = sh.TotalAmount
		}
		s.afterCommit("commission.reverse", func(ctx context.Context) error {
			if err := s.Ledger.ReverseCommission(ctx, orderRef, amount); err != nil {
				return &UpstreamError{Service: "ledger", Err: err}
			}
			return nil
		})
	}
}
