package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"shipflow/internal/integrations"
	"shipflow/internal/metrics"
	"shipflow/internal/model"
	"shipflow/internal/shipping"
	"shipflow/internal/store"
)

// StatusApplier is the write side the gateway drives.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, u shipping.StatusUpdate) (shipping.Transition, error)
}

// Gateway authenticates inbound carrier webhooks, resolves their target and
// applies the mapped status. Every attempt leaves one carrier_webhook_logs row.
type Gateway struct {
	Store    store.Store
	Status   StatusApplier
	Carriers *integrations.Registry
	Log      *zap.Logger
}

func NewGateway(s store.Store, status StatusApplier, carriers *integrations.Registry, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{Store: s, Status: status, Carriers: carriers, Log: log}
}

// Outcomes recorded in metrics and returned in the ack.
const (
	OutcomeApplied          = "applied"
	OutcomeOrphan           = "orphan"
	OutcomeUnhandled        = "unhandled"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeUnparseable      = "unparseable"
	OutcomeError            = "error"
)

// Ack is the response to the carrier.
type Ack struct {
	HTTPStatus int                  `json:"-"`
	Outcome    string               `json:"outcome"`
	LogID      string               `json:"log_id,omitempty"`
	Transition *shipping.Transition `json:"transition,omitempty"`
}

// HandleCarrierWebhook processes one delivery from carrier. Unknown targets and
// unknown event names are acknowledged with 200 so carriers stop retrying.
func (g *Gateway) HandleCarrierWebhook(ctx context.Context, carrier string, header http.Header, body []byte) (Ack, error) {
	adapter, ok := g.Carriers.Lookup(carrier)
	if !ok {
		return Ack{HTTPStatus: http.StatusNotFound, Outcome: OutcomeError}, &shipping.NotFoundError{Kind: "carrier", Key: carrier}
	}
	info := adapter.Webhooks()
	slug := adapter.Name()
	sig := header.Get(info.Header)
	log := g.Log.With(zap.String("carrier", slug))

	if !info.Verify(sig, body) {
		entry := &model.WebhookLog{Carrier: slug, EventType: model.LogInvalidSignature, Payload: body, Signature: sig, ErrorMessage: "signature mismatch"}
		g.insertLog(ctx, entry)
		metrics.CarrierEvents.WithLabelValues(slug, OutcomeInvalidSignature).Inc()
		log.Warn("rejected carrier webhook", zap.String("reason", OutcomeInvalidSignature))
		return Ack{HTTPStatus: http.StatusUnauthorized, Outcome: OutcomeInvalidSignature, LogID: entry.ID}, &shipping.AuthenticationError{Message: "invalid webhook signature"}
	}

	var ev model.CarrierEvent
	if err := json.Unmarshal(body, &ev); err != nil || strings.TrimSpace(ev.Event) == "" {
		msg := "missing event name"
		if err != nil {
			msg = err.Error()
		}
		entry := &model.WebhookLog{Carrier: slug, EventType: model.LogUnparseable, Payload: body, Signature: sig, ErrorMessage: msg}
		g.insertLog(ctx, entry)
		metrics.CarrierEvents.WithLabelValues(slug, OutcomeUnparseable).Inc()
		log.Warn("unparseable carrier webhook", zap.String("error", msg))
		return Ack{HTTPStatus: http.StatusInternalServerError, Outcome: OutcomeUnparseable, LogID: entry.ID}, fmt.Errorf("parse webhook: %s", msg)
	}

	return g.process(ctx, slug, info.Source, ev, body, sig, nil)
}

// Replay re-runs a logged event. Its signature was verified when it was first received.
func (g *Gateway) Replay(ctx context.Context, logID string) (Ack, error) {
	entry, err := g.Store.GetWebhookLog(ctx, logID)
	if errors.Is(err, store.ErrNotFound) {
		return Ack{HTTPStatus: http.StatusNotFound, Outcome: OutcomeError}, &shipping.NotFoundError{Kind: "webhook log", Key: logID}
	}
	if err != nil {
		return Ack{HTTPStatus: http.StatusInternalServerError, Outcome: OutcomeError}, err
	}
	switch entry.EventType {
	case model.LogInvalidSignature, model.LogUnparseable, model.LogRateLimited, model.LogTooLarge:
		return Ack{HTTPStatus: http.StatusBadRequest, Outcome: OutcomeError, LogID: entry.ID},
			&shipping.StateConflictError{Message: "webhook log " + entry.ID + " is " + entry.EventType + " and cannot be replayed"}
	}
	var ev model.CarrierEvent
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		return Ack{HTTPStatus: http.StatusInternalServerError, Outcome: OutcomeError, LogID: entry.ID}, fmt.Errorf("parse logged payload: %w", err)
	}
	source := entry.Carrier
	if a, ok := g.Carriers.Lookup(entry.Carrier); ok {
		source = a.Webhooks().Source
	}
	return g.process(ctx, entry.Carrier, source, ev, entry.Payload, entry.Signature, &entry)
}

// process resolves, maps and applies ev. With existing set (replay) the outcome is
// written back to that log row instead of a new one.
func (g *Gateway) process(ctx context.Context, carrier, source string, ev model.CarrierEvent, body []byte, sig string, existing *model.WebhookLog) (Ack, error) {
	log := g.Log.With(zap.String("carrier", carrier), zap.String("event", ev.Event))
	ref := ev.Data.ShipmentID
	if ref == "" {
		ref = ev.Data.OrderID
	}

	tgt, err := g.resolve(ctx, ev.Data)
	if errors.Is(err, store.ErrNotFound) {
		ack := g.record(ctx, carrier, model.LogOrphan, ref, body, sig, true, "", existing)
		metrics.CarrierEvents.WithLabelValues(carrier, OutcomeOrphan).Inc()
		log.Info("orphan carrier event", zap.String("shipment_id", ev.Data.ShipmentID), zap.String("order_id", ev.Data.OrderID))
		ack.HTTPStatus, ack.Outcome = http.StatusOK, OutcomeOrphan
		return ack, nil
	}
	if err != nil {
		ack := g.record(ctx, carrier, ev.Event, ref, body, sig, false, err.Error(), existing)
		metrics.CarrierEvents.WithLabelValues(carrier, OutcomeError).Inc()
		log.Error("resolve carrier event target", zap.Error(err))
		ack.HTTPStatus, ack.Outcome = http.StatusInternalServerError, OutcomeError
		return ack, err
	}

	status, ok := shipping.StatusForEvent(ev.Event)
	if !ok {
		ack := g.record(ctx, carrier, model.LogUnhandled, ref, body, sig, true, "unhandled event "+ev.Event, existing)
		metrics.CarrierEvents.WithLabelValues(carrier, OutcomeUnhandled).Inc()
		log.Info("unhandled carrier event")
		ack.HTTPStatus, ack.Outcome = http.StatusOK, OutcomeUnhandled
		return ack, nil
	}

	ack := g.record(ctx, carrier, ev.Event, ref, body, sig, false, "", existing)
	meta := map[string]any{"carrier": carrier}
	if ev.Data.Status != "" {
		meta["carrier_status"] = ev.Data.Status
	}
	for k, v := range ev.Data.Extras {
		meta[k] = v
	}
	tr, err := g.Status.ApplyStatus(ctx, shipping.StatusUpdate{
		Target:      tgt,
		Status:      status,
		Event:       ev.Event,
		Description: ev.Data.Description,
		Location:    ev.Data.Location,
		Reason:      ev.Data.Reason,
		Source:      source,
		PerformedBy: carrier,
		Metadata:    meta,
	})
	if err != nil {
		g.markLog(ctx, ack.LogID, false, err.Error())
		metrics.CarrierEvents.WithLabelValues(carrier, OutcomeError).Inc()
		log.Error("apply carrier event", zap.Error(err))
		ack.HTTPStatus, ack.Outcome = http.StatusInternalServerError, OutcomeError
		return ack, err
	}
	g.markLog(ctx, ack.LogID, true, "")
	metrics.CarrierEvents.WithLabelValues(carrier, OutcomeApplied).Inc()
	ack.HTTPStatus, ack.Outcome, ack.Transition = http.StatusOK, OutcomeApplied, &tr
	return ack, nil
}

// resolve finds the target by shipment_id (carrier reference, id or reference),
// falling back to order_id.
func (g *Gateway) resolve(ctx context.Context, d model.CarrierEventData) (store.Target, error) {
	if d.ShipmentID != "" {
		tgt, err := g.Store.ResolveShipment(ctx, d.ShipmentID)
		if err == nil || !errors.Is(err, store.ErrNotFound) || d.OrderID == "" {
			return tgt, err
		}
	}
	if d.OrderID != "" {
		return g.Store.ResolveOrder(ctx, d.OrderID)
	}
	return store.Target{}, store.ErrNotFound
}

func (g *Gateway) record(ctx context.Context, carrier, eventType, ref string, body []byte, sig string, processed bool, errMsg string, existing *model.WebhookLog) Ack {
	if existing != nil {
		g.markLog(ctx, existing.ID, processed, errMsg)
		return Ack{LogID: existing.ID}
	}
	entry := &model.WebhookLog{Carrier: carrier, EventType: eventType, TargetRef: ref, Payload: body, Signature: sig, Processed: processed, ErrorMessage: errMsg}
	g.insertLog(ctx, entry)
	return Ack{LogID: entry.ID}
}

// insertLog logs and swallows store errors.
func (g *Gateway) insertLog(ctx context.Context, entry *model.WebhookLog) {
	if err := g.Store.InsertWebhookLog(ctx, entry); err != nil {
		g.Log.Error("insert webhook log", zap.String("carrier", entry.Carrier), zap.Error(err))
	}
}

func (g *Gateway) markLog(ctx context.Context, id string, processed bool, errMsg string) {
	if id == "" {
		return
	}
	if err := g.Store.MarkWebhookLog(ctx, id, processed, errMsg); err != nil {
		g.Log.Error("mark webhook log", zap.String("log_id", id), zap.Error(err))
	}
}
