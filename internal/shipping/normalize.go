package shipping

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"shipflow/internal/model"
)

// NormalizeAddress turns a payload address into an address snapshot of the given kind.
// Lat/Lng that do not parse as numbers are dropped.
func NormalizeAddress(in *model.AddressInput, kind string) model.Address {
	if in == nil {
		return model.Address{Kind: kind}
	}
	a := model.Address{
		Kind:       kind,
		FirstName:  strings.TrimSpace(in.FirstName),
		LastName:   strings.TrimSpace(in.LastName),
		Line1:      strings.TrimSpace(in.Line1),
		Line2:      strings.TrimSpace(in.Line2),
		City:       strings.TrimSpace(in.City),
		State:      strings.TrimSpace(in.State),
		Country:    strings.TrimSpace(in.Country),
		PostalCode: strings.TrimSpace(in.PostalCode),
		Phone:      strings.TrimSpace(in.Phone),
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
	}
	a.Lat = optionalFloat(in.Lat)
	a.Lng = optionalFloat(in.Lng)
	return a
}

// NormalizeItem converts a cart line. A missing or non-positive quantity counts as 1;
// a missing or invalid weight counts as 0. total_price defaults to price*quantity
// unless the payload supplies one.
func NormalizeItem(in model.ItemInput, currency string) model.ShipmentItem {
	it := model.ShipmentItem{
		ItemID:     in.ID,
		Name:       in.Name,
		Quantity:   Quantity(in.Quantity),
		Price:      Amount(in.Price),
		Weight:     Amount(in.Weight),
		Currency:   currency,
		Dimensions: in.Dimensions,
		Metadata:   in.Metadata,
	}
	if in.Currency != "" {
		it.Currency = in.Currency
	}
	if in.TotalPrice != nil {
		if v, err := cast.ToFloat64E(in.TotalPrice); err == nil {
			it.TotalPrice = v
		} else {
			it.TotalPrice = it.Price * float64(it.Quantity)
		}
	} else {
		it.TotalPrice = it.Price * float64(it.Quantity)
	}
	return it
}

func NormalizeItems(in []model.ItemInput, currency string) []model.ShipmentItem {
	out := make([]model.ShipmentItem, 0, len(in))
	for _, it := range in {
		out = append(out, NormalizeItem(it, currency))
	}
	return out
}

// Totals are the aggregate counters stored on a shipment or leg.
type Totals struct {
	Items  int
	Weight float64
	Amount float64
}

func (t Totals) Add(o Totals) Totals {
	return Totals{Items: t.Items + o.Items, Weight: t.Weight + o.Weight, Amount: t.Amount + o.Amount}
}

// ComputeTotals sums quantities, line weights and line prices.
func ComputeTotals(items []model.ShipmentItem) Totals {
	var t Totals
	for _, it := range items {
		t.Items += it.Quantity
		t.Weight += it.Weight
		t.Amount += it.TotalPrice
	}
	return t
}

// Quantity coerces a payload quantity; anything below 1 or unparseable is 1.
func Quantity(v any) int {
	n, err := cast.ToIntE(v)
	if err != nil || n < 1 {
		if f, ferr := cast.ToFloat64E(v); ferr == nil && f >= 1 {
			return int(f)
		}
		return 1
	}
	return n
}

// Amount coerces a payload number; negative, NaN or unparseable values are 0.
func Amount(v any) float64 {
	if v == nil {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func optionalFloat(v any) *float64 {
	if v == nil {
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	return &f
}
