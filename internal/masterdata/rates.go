package masterdata

import (
	"sort"
	"strings"
	"time"
)

// RateMatcher selects rates within a category.
type RateMatcher func(CostRate) bool

// NameContains matches rate names case-insensitively by substring.
func NameContains(fragment string) RateMatcher {
	f := strings.ToLower(fragment)
	return func(r CostRate) bool {
		return strings.Contains(strings.ToLower(r.Name), f)
	}
}

// UnitOfMeasure matches the structured unit field exactly (case-insensitive).
func UnitOfMeasure(uom string) RateMatcher {
	return func(r CostRate) bool {
		return strings.EqualFold(strings.TrimSpace(r.UnitOfMeasure), uom)
	}
}

// AnyRate matches every rate in the category.
func AnyRate(CostRate) bool { return true }

// ApplicableRate picks the rate of category active on date that satisfies
// match. When intervals overlap the most recently effective rate wins.
func ApplicableRate(rates []CostRate, category CostCategory, match RateMatcher, date time.Time) (CostRate, bool) {
	if match == nil {
		match = AnyRate
	}
	var best CostRate
	found := false
	for _, r := range rates {
		if r.Category != category || !r.ActiveOn(date) || !match(r) {
			continue
		}
		if !found || r.EffectiveDate.After(best.EffectiveDate) ||
			(r.EffectiveDate.Equal(best.EffectiveDate) && r.ID > best.ID) {
			best = r
			found = true
		}
	}
	return best, found
}

// ApplicableConfig picks the configuration active on date, most recent first.
func ApplicableConfig(configs []SKUConfig, date time.Time) (SKUConfig, bool) {
	var best SKUConfig
	found := false
	for _, c := range configs {
		if !c.ActiveOn(date) || !c.Pallets.IsSet() {
			continue
		}
		if !found || c.EffectiveDate.After(best.EffectiveDate) {
			best = c
			found = true
		}
	}
	return best, found
}

// RateBook is a warehouse's tariff loaded once per calculation run.
type RateBook struct {
	WarehouseID int64
	rates       []CostRate
}

// NewRateBook copies and orders rates by effective date.
func NewRateBook(warehouseID int64, rates []CostRate) RateBook {
	own := make([]CostRate, 0, len(rates))
	for _, r := range rates {
		if r.WarehouseID == warehouseID {
			own = append(own, r)
		}
	}
	sort.SliceStable(own, func(i, j int) bool { return own[i].EffectiveDate.Before(own[j].EffectiveDate) })
	return RateBook{WarehouseID: warehouseID, rates: own}
}

// Applicable resolves a rate, see ApplicableRate.
func (b RateBook) Applicable(category CostCategory, match RateMatcher, date time.Time) (CostRate, bool) {
	return ApplicableRate(b.rates, category, match, date)
}

// Rates returns the loaded rates.
func (b RateBook) Rates() []CostRate { return b.rates }
