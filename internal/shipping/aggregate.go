package shipping

import (
	"strings"

	"shipflow/internal/model"
)

// Aggregate folds leg statuses into the shipment/order status. Clauses are
// checked in order and the first match wins:
//
//  1. every leg delivered            -> delivered
//  2. any leg out_for_delivery       -> out_for_delivery
//  3. any leg in_transit             -> in_transit
//  4. any leg created/pending/pickup_scheduled, at least one of them
//     confirmed (created or pickup_scheduled) -> created
//  5. any leg cancelled              -> cancelled
//  6. any leg exception              -> exception
//  7. otherwise                      -> pending
//
// A single lagging or cancelled leg never pulls an in-flight order back, while
// delivered requires every leg.
func Aggregate(legs []model.Status) model.Status {
	if len(legs) == 0 {
		return model.StatusPending
	}
	var delivered, outForDelivery, inTransit, waiting, confirmed, cancelled, exception int
	for _, s := range legs {
		switch s {
		case model.StatusDelivered:
			delivered++
		case model.StatusOutForDelivery:
			outForDelivery++
		case model.StatusInTransit:
			inTransit++
		case model.StatusCreated, model.StatusPickupScheduled:
			waiting++
			confirmed++
		case model.StatusPending:
			waiting++
		case model.StatusCancelled:
			cancelled++
		case model.StatusException:
			exception++
		}
	}
	switch {
	case delivered == len(legs):
		return model.StatusDelivered
	case outForDelivery > 0:
		return model.StatusOutForDelivery
	case inTransit > 0:
		return model.StatusInTransit
	case waiting > 0 && confirmed > 0:
		return model.StatusCreated
	case cancelled > 0:
		return model.StatusCancelled
	case exception > 0:
		return model.StatusException
	default:
		return model.StatusPending
	}
}

var eventStatus = map[string]model.Status{
	"shipment.created":          model.StatusCreated,
	"shipment.updated":          model.StatusInTransit,
	"shipment.in-transit":       model.StatusInTransit,
	"shipment.out-for-delivery": model.StatusOutForDelivery,
	"shipment.delivered":        model.StatusDelivered,
	"shipment.cancelled":        model.StatusCancelled,
	"shipment.exception":        model.StatusException,
}

// StatusForEvent maps a carrier event name to an internal status.
func StatusForEvent(event string) (model.Status, bool) {
	s, ok := eventStatus[strings.ToLower(strings.TrimSpace(event))]
	return s, ok
}

// Describe renders the human history line for an event name.
func Describe(event string, status model.Status) string {
	switch status {
	case model.StatusCreated:
		return "Shipment confirmed by carrier"
	case model.StatusPickupScheduled:
		return "Pickup scheduled"
	case model.StatusInTransit:
		return "Shipment is in transit"
	case model.StatusOutForDelivery:
		return "Shipment is out for delivery"
	case model.StatusDelivered:
		return "Shipment delivered"
	case model.StatusCancelled:
		return "Shipment cancelled"
	case model.StatusException:
		return "Delivery exception reported by carrier"
	}
	if event != "" {
		return "Carrier update: " + event
	}
	return "Shipment updated"
}
