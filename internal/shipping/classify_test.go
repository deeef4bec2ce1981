package shipping

import (
	"testing"

	"shipflow/internal/model"
)

func TestClassifyShipment(t *testing.T) {
	cases := []struct {
		name string
		p    *model.CheckoutPayload
		want model.CarrierType
	}{
		{"fedex", &model.CheckoutPayload{Dispatcher: &model.Dispatcher{CarrierSlug: "fedex"}}, model.CarrierExternal},
		{"mixed case", &model.CheckoutPayload{Dispatcher: &model.Dispatcher{CarrierSlug: " DHL "}}, model.CarrierExternal},
		{"unknown slug", &model.CheckoutPayload{Dispatcher: &model.Dispatcher{CarrierSlug: "kwik"}}, model.CarrierInternal},
		{"no dispatcher", &model.CheckoutPayload{}, model.CarrierInternal},
		{"nil", nil, model.CarrierInternal},
		{"selection hint only", &model.CheckoutPayload{VendorSelections: []model.VendorSelectionInput{{CarrierReference: "CA-123"}}}, model.CarrierInternal},
	}
	for _, c := range cases {
		if got := ClassifyShipment(c.p); got != c.want {
			t.Errorf("%s: got %s want %s", c.name, got, c.want)
		}
	}
}

func TestClassifyLeg(t *testing.T) {
	sels := []model.VendorSelectionInput{{CarrierReference: "CA-123"}, {CarrierReference: "INT-1"}, {}}
	want := []model.CarrierType{model.CarrierExternal, model.CarrierInternal, model.CarrierInternal}
	for i, s := range sels {
		if got := ClassifyLeg(s); got != want[i] {
			t.Errorf("leg %d: got %s want %s", i, got, want[i])
		}
	}
}

func TestResolveDeliveryType(t *testing.T) {
	groups := []model.VendorGroupInput{{VendorID: "V1"}}
	sels := []model.VendorSelectionInput{{VendorID: "V1"}}
	cases := []struct {
		name string
		p    model.CheckoutPayload
		want model.DeliveryType
	}{
		{"absent single vendor", model.CheckoutPayload{}, model.DeliverySingle},
		{"explicit single", model.CheckoutPayload{DeliveryType: "single", IsMultiVendor: true, VendorGroups: groups}, model.DeliverySingle},
		{"multi with selections", model.CheckoutPayload{IsMultiVendor: true, VendorSelections: sels}, model.DeliveryPerVendor},
		{"multi with groups", model.CheckoutPayload{IsMultiVendor: true, VendorGroups: groups}, model.DeliveryAggregated},
		{"per_vendor spelling", model.CheckoutPayload{DeliveryType: "per_vendor", VendorSelections: sels}, model.DeliveryPerVendor},
		{"aggregated without groups", model.CheckoutPayload{DeliveryType: "aggregated", VendorSelections: sels}, model.DeliveryPerVendor},
		{"per-vendor without selections", model.CheckoutPayload{DeliveryType: "per-vendor", VendorGroups: groups}, model.DeliveryAggregated},
		{"multi with neither list", model.CheckoutPayload{DeliveryType: "aggregated", IsMultiVendor: true}, model.DeliverySingle},
	}
	for _, c := range cases {
		if got := ResolveDeliveryType(&c.p); got != c.want {
			t.Errorf("%s: got %s want %s", c.name, got, c.want)
		}
	}
}
