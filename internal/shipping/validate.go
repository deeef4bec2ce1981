package shipping

import (
	"fmt"
	"strings"

	"shipflow/internal/model"
)

// Validate checks the top-level payload before anything is written.
func Validate(p *model.CheckoutPayload) error {
	ve := &ValidationError{}
	if p == nil {
		ve.add("body", "is required")
		return ve
	}
	if strings.TrimSpace(p.CustomerID) == "" {
		ve.add("customer_id", "is required")
	}
	if strings.TrimSpace(p.Currency) == "" {
		ve.add("currency", "is required")
	}
	if a := p.DeliveryAddress; a == nil {
		ve.add("delivery_address", "is required")
	} else {
		for _, f := range []struct{ name, val string }{
			{"line1", a.Line1}, {"city", a.City}, {"state", a.State}, {"country", a.Country}, {"phone", a.Phone},
		} {
			if strings.TrimSpace(f.val) == "" {
				ve.add("delivery_address."+f.name, "is required")
			}
		}
	}
	hasLegs := p.IsMultiVendor && (len(p.VendorGroups) > 0 || len(p.VendorSelections) > 0)
	if len(p.Items) == 0 && !hasLegs {
		ve.add("items", "must not be empty unless is_multi_vendor with vendor_groups or vendor_selections")
	}
	validateLegVendors(ve, p)
	return ve.orNil()
}

// validateLegVendors checks vendor ids on the legs the fan-out will write.
// External-carrier shipments write no legs.
func validateLegVendors(ve *ValidationError, p *model.CheckoutPayload) {
	if ClassifyShipment(p) == model.CarrierExternal {
		return
	}
	switch ResolveDeliveryType(p) {
	case model.DeliveryAggregated:
		for i, g := range p.VendorGroups {
			if strings.TrimSpace(g.VendorID) == "" {
				ve.add(fmt.Sprintf("vendor_groups[%d].vendor_id", i), "is required")
			}
		}
	case model.DeliveryPerVendor:
		for i, sel := range p.VendorSelections {
			if strings.TrimSpace(sel.VendorID) == "" {
				ve.add(fmt.Sprintf("vendor_selections[%d].vendor_id", i), "is required")
			}
		}
	}
}
