package shipping

import (
	"strings"

	"shipflow/internal/model"
)

// ExternalCarrierPrefix marks a vendor selection's carrier_reference as issued by an external carrier.
const ExternalCarrierPrefix = "CA-"

var externalCarriers = map[string]bool{
	"gigl":  true,
	"fedex": true,
	"ups":   true,
	"dhl":   true,
	"usps":  true,
}

// IsExternalCarrier reports whether slug is on the external carrier allow-list.
func IsExternalCarrier(slug string) bool {
	return externalCarriers[strings.ToLower(strings.TrimSpace(slug))]
}

// ClassifyShipment decides who owns fulfilment for the whole payload.
// Missing or unknown hints fall back to the internal carrier.
func ClassifyShipment(p *model.CheckoutPayload) model.CarrierType {
	if p != nil && p.Dispatcher != nil && IsExternalCarrier(p.Dispatcher.CarrierSlug) {
		return model.CarrierExternal
	}
	return model.CarrierInternal
}

// ClassifyLeg decides the carrier type of one per-vendor leg independently of its siblings.
func ClassifyLeg(sel model.VendorSelectionInput) model.CarrierType {
	if strings.HasPrefix(strings.TrimSpace(sel.CarrierReference), ExternalCarrierPrefix) {
		return model.CarrierExternal
	}
	return model.CarrierInternal
}

// ResolveDeliveryType picks the fan-out branch. An explicit delivery_type wins
// ("per_vendor" is accepted as a spelling of per-vendor); otherwise multi-vendor
// payloads with selections are per-vendor, other multi-vendor payloads aggregated.
// A requested multi-vendor branch without the matching list falls back to the
// list that is present, then to single.
func ResolveDeliveryType(p *model.CheckoutPayload) model.DeliveryType {
	var dt model.DeliveryType
	switch strings.ToLower(strings.TrimSpace(p.DeliveryType)) {
	case "single":
		dt = model.DeliverySingle
	case "aggregated":
		dt = model.DeliveryAggregated
	case "per-vendor", "per_vendor", "pervendor":
		dt = model.DeliveryPerVendor
	default:
		switch {
		case !p.IsMultiVendor:
			dt = model.DeliverySingle
		case len(p.VendorSelections) > 0:
			dt = model.DeliveryPerVendor
		default:
			dt = model.DeliveryAggregated
		}
	}
	switch {
	case dt == model.DeliveryAggregated && len(p.VendorGroups) == 0 && len(p.VendorSelections) > 0:
		return model.DeliveryPerVendor
	case dt == model.DeliveryPerVendor && len(p.VendorSelections) == 0 && len(p.VendorGroups) > 0:
		return model.DeliveryAggregated
	case dt != model.DeliverySingle && len(p.VendorGroups) == 0 && len(p.VendorSelections) == 0:
		return model.DeliverySingle
	}
	return dt
}
