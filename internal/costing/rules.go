package costing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
	"github.com/ledgerwise/wms/internal/storageledger"
)

const noReference = "NO_REF"

// rule prices one kind of movement. contribution returns the quantity a
// transaction adds and, for counted rules, the key it is counted under.
type rule struct {
	category     masterdata.CostCategory
	name         string
	match        masterdata.RateMatcher
	unit         string
	contribution func(inventory.Transaction) (decimal.Decimal, string, bool)
}

var one = decimal.NewFromInt(1)

func count(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

var transactionRules = []rule{
	{
		category: masterdata.CategoryContainer, name: NameContainer, match: masterdata.AnyRate, unit: "container",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			c := strings.TrimSpace(tx.ContainerNumber)
			return one, c, tx.Type == inventory.TypeReceive && c != ""
		},
	},
	{
		category: masterdata.CategoryCarton, name: NameCartonInbound, match: masterdata.NameContains("inbound"), unit: "carton",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			return count(tx.CartonsIn), "", tx.Type == inventory.TypeReceive && tx.CartonsIn > 0
		},
	},
	{
		category: masterdata.CategoryPallet, name: NamePalletInbound, match: masterdata.NameContains("inbound"), unit: "pallet",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			return count(tx.StoragePalletsIn), "", tx.Type == inventory.TypeReceive && tx.StoragePalletsIn > 0
		},
	},
	{
		category: masterdata.CategoryPallet, name: NamePalletOutbound, match: masterdata.NameContains("outbound"), unit: "pallet",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			return count(tx.ShippingPalletsOut), "", tx.Type == inventory.TypeShip && tx.ShippingPalletsOut > 0
		},
	},
	{
		// Full pallets are charged per pallet, loose cartons per carton.
		category: masterdata.CategoryCarton, name: NameCartonOutbound, match: masterdata.NameContains("outbound"), unit: "carton",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			return count(tx.CartonsOut), "", tx.Type == inventory.TypeShip && tx.ShippingPalletsOut == 0 && tx.CartonsOut > 0
		},
	},
	{
		category: masterdata.CategoryUnit, name: NameUnitPick, match: masterdata.AnyRate, unit: "unit",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			units := tx.CartonsOut * int64(tx.UnitsPerCarton)
			return count(units), "", tx.Type == inventory.TypeShip && units > 0
		},
	},
	{
		category: masterdata.CategoryShipment, name: NameShipment, match: masterdata.AnyRate, unit: "shipment",
		contribution: func(tx inventory.Transaction) (decimal.Decimal, string, bool) {
			ref := strings.TrimSpace(tx.ReferenceID)
			if ref == "" {
				ref = noReference
			}
			return one, shared.DateOf(tx.TransactionDate).Format(shared.DateLayout) + "|" + ref, tx.Type == inventory.TypeShip
		},
	},
}

// periodRate resolves the tariff in force at the close of the period, or at
// its start when the tariff was withdrawn mid-period.
func periodRate(book masterdata.RateBook, category masterdata.CostCategory, match masterdata.RateMatcher, period shared.BillingPeriod) (masterdata.CostRate, bool) {
	if r, ok := book.Applicable(category, match, period.End); ok {
		return r, true
	}
	return book.Applicable(category, match, period.Start)
}

func unitOf(rate masterdata.CostRate, fallback string) string {
	if rate.UnitOfMeasure != "" {
		return rate.UnitOfMeasure
	}
	return fallback
}

// TransactionLines applies the movement rules to the RECEIVE and SHIP
// transactions dated inside period. Rules with activity but no tariff are
// reported by name and produce no line.
func TransactionLines(txs []inventory.Transaction, book masterdata.RateBook, period shared.BillingPeriod) ([]AggregatedCost, []string) {
	var (
		lines   []AggregatedCost
		missing []string
	)
	for _, r := range transactionRules {
		qty := decimal.Zero
		seen := map[string]bool{}
		var details []Detail
		for _, tx := range txs {
			if !period.Contains(tx.TransactionDate) {
				continue
			}
			q, key, ok := r.contribution(tx)
			if !ok {
				continue
			}
			if key != "" {
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			qty = qty.Add(q)
			details = append(details, Detail{SKUID: tx.SKUID, BatchLot: tx.BatchLot, Ref: tx.TransactionID, Date: shared.DateOf(tx.TransactionDate), Quantity: q})
		}
		if !qty.IsPositive() {
			continue
		}
		rate, ok := periodRate(book, r.category, r.match, period)
		if !ok {
			missing = append(missing, fmt.Sprintf("%s/%s", r.category, r.name))
			continue
		}
		for i := range details {
			details[i].Amount = rate.Rate.Mul(details[i].Quantity).Round()
		}
		lines = append(lines, AggregatedCost{
			Category: r.category,
			Name:     r.name,
			Quantity: qty,
			UnitRate: rate.Rate,
			Unit:     unitOf(rate, r.unit),
			Amount:   rate.Rate.Mul(qty).Round(),
			Details:  details,
		})
	}
	return lines, missing
}

// StorageLines folds weekly storage entries into one line per charge unit.
func StorageLines(entries []storageledger.Entry) []AggregatedCost {
	byUnit := map[string]*AggregatedCost{}
	var order []string
	for _, e := range entries {
		line, ok := byUnit[e.ChargeUnit]
		if !ok {
			unit := "pallet-week"
			if e.ChargeUnit == storageledger.ChargeCubicFoot {
				unit = "cubic-foot-week"
			}
			line = &AggregatedCost{
				Category: masterdata.CategoryStorage,
				Name:     storageledger.CostName(e.ChargeUnit),
				Quantity: decimal.Zero,
				UnitRate: e.ApplicableWeeklyRate,
				Unit:     unit,
			}
			byUnit[e.ChargeUnit] = line
			order = append(order, e.ChargeUnit)
		}
		line.Quantity = line.Quantity.Add(e.StoragePalletsCharged)
		line.Amount = line.Amount.Add(e.CalculatedWeeklyCost)
		line.Details = append(line.Details, Detail{
			SKUID: e.SKUID, BatchLot: e.BatchLot, Ref: e.SLID, Date: e.Monday,
			Quantity: e.StoragePalletsCharged, Amount: e.CalculatedWeeklyCost,
		})
	}
	out := make([]AggregatedCost, 0, len(order))
	for _, u := range order {
		out = append(out, *byUnit[u])
	}
	return out
}

// AccessorialLines folds manual charges into one line per name.
func AccessorialLines(costs []CalculatedCost) []AggregatedCost {
	byName := map[string]*AggregatedCost{}
	var order []string
	for _, c := range costs {
		if c.Category != masterdata.CategoryAccessorial {
			continue
		}
		line, ok := byName[c.CostName]
		if !ok {
			line = &AggregatedCost{
				Category: masterdata.CategoryAccessorial,
				Name:     c.CostName,
				Quantity: decimal.Zero,
				UnitRate: c.ApplicableRate,
				Unit:     "each",
			}
			byName[c.CostName] = line
			order = append(order, c.CostName)
		}
		line.Quantity = line.Quantity.Add(c.QuantityCharged)
		line.Amount = line.Amount.Add(c.FinalExpectedCost)
		var sku int64
		if c.SKUID != nil {
			sku = *c.SKUID
		}
		line.Details = append(line.Details, Detail{
			SKUID: sku, BatchLot: c.BatchLot, Ref: c.TransactionRef, Date: c.TransactionDate,
			Quantity: c.QuantityCharged, Amount: c.FinalExpectedCost,
		})
	}
	out := make([]AggregatedCost, 0, len(order))
	for _, n := range order {
		out = append(out, *byName[n])
	}
	return out
}

func categoryRank(c masterdata.CostCategory) int {
	for i, known := range masterdata.Categories() {
		if known == c {
			return i
		}
	}
	return len(masterdata.Categories())
}

// SortLines orders lines by category reporting order then name.
func SortLines(lines []AggregatedCost) {
	sort.SliceStable(lines, func(i, j int) bool {
		ri, rj := categoryRank(lines[i].Category), categoryRank(lines[j].Category)
		if ri != rj {
			return ri < rj
		}
		return lines[i].Name < lines[j].Name
	})
}

// Summarize totals lines per (category, name). The first line seen supplies
// the unit rate and unit.
func Summarize(lines []AggregatedCost) []SummaryLine {
	type key struct {
		category masterdata.CostCategory
		name     string
	}
	index := map[key]int{}
	var out []SummaryLine
	for _, l := range lines {
		k := key{l.Category, l.Name}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, SummaryLine{
				Category: l.Category, Name: l.Name, UnitRate: l.UnitRate, Unit: l.Unit,
				TotalQuantity: decimal.Zero,
			})
			i = len(out) - 1
		}
		out[i].TotalQuantity = out[i].TotalQuantity.Add(l.Quantity)
		out[i].TotalAmount = out[i].TotalAmount.Add(l.Amount)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := categoryRank(out[i].Category), categoryRank(out[j].Category)
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// transactionCost is the per-movement carton charge persisted for audit.
type transactionCost struct {
	name     string
	match    masterdata.RateMatcher
	quantity func(inventory.Transaction) int64
}

var perTransaction = map[inventory.TransactionType]transactionCost{
	inventory.TypeReceive: {NameCartonInbound, masterdata.NameContains("inbound"), func(tx inventory.Transaction) int64 { return tx.CartonsIn }},
	inventory.TypeShip:    {NameCartonOutbound, masterdata.NameContains("outbound"), func(tx inventory.Transaction) int64 { return tx.CartonsOut }},
	inventory.TypeTransfer: {NameCartonTransfer, masterdata.NameContains("transfer"), func(tx inventory.Transaction) int64 {
		if tx.CartonsIn > tx.CartonsOut {
			return tx.CartonsIn
		}
		return tx.CartonsOut
	}},
}

// CostID is the deterministic id of a transaction's cost row.
func CostID(transactionID string, category masterdata.CostCategory) string {
	return fmt.Sprintf("CC-%s-%s", transactionID, strings.ToUpper(string(category)))
}

// TransactionCost prices a single movement at the tariff in force on its
// date. Adjustments carry no charge. missing is set when the movement is
// chargeable but no tariff applies.
func TransactionCost(tx inventory.Transaction, book masterdata.RateBook) (cost CalculatedCost, ok bool, missing bool) {
	spec, chargeable := perTransaction[tx.Type]
	if !chargeable {
		return CalculatedCost{}, false, false
	}
	qty := spec.quantity(tx)
	if qty <= 0 {
		return CalculatedCost{}, false, false
	}
	rate, found := book.Applicable(masterdata.CategoryCarton, spec.match, tx.TransactionDate)
	if !found {
		return CalculatedCost{}, false, true
	}
	period := shared.PeriodFor(tx.TransactionDate)
	sku := tx.SKUID
	return CalculatedCost{
		ID:                 CostID(tx.TransactionID, masterdata.CategoryCarton),
		TransactionRef:     tx.TransactionID,
		TransactionType:    string(tx.Type),
		TransactionDate:    shared.DateOf(tx.TransactionDate),
		WarehouseID:        tx.WarehouseID,
		SKUID:              &sku,
		BatchLot:           tx.BatchLot,
		Category:           masterdata.CategoryCarton,
		CostName:           spec.name,
		QuantityCharged:    decimal.NewFromInt(qty),
		ApplicableRate:     rate.Rate,
		FinalExpectedCost:  rate.Rate.MulInt(qty).Round(),
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
	}, true, false
}

// bucketOf names the week (its Monday) or month a date falls in.
func bucketOf(date time.Time, groupBy GroupBy) string {
	d := shared.DateOf(date)
	if groupBy == GroupByMonth {
		return d.Format("2006-01")
	}
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset).Format(shared.DateLayout)
}

// BuildLedger buckets persisted costs by week or month and category.
func BuildLedger(costs []CalculatedCost, groupBy GroupBy) (CostLedger, error) {
	if groupBy == "" {
		groupBy = GroupByWeek
	}
	if groupBy != GroupByWeek && groupBy != GroupByMonth {
		return CostLedger{}, fmt.Errorf("%w: %q", ErrInvalidGrouping, groupBy)
	}
	type key struct {
		bucket   string
		category masterdata.CostCategory
	}
	index := map[key]int{}
	ledger := CostLedger{GroupBy: groupBy, Buckets: []LedgerBucket{}}
	for _, c := range costs {
		k := key{bucketOf(c.TransactionDate, groupBy), c.Category}
		i, ok := index[k]
		if !ok {
			index[k] = len(ledger.Buckets)
			ledger.Buckets = append(ledger.Buckets, LedgerBucket{Bucket: k.bucket, Category: k.category, Quantity: decimal.Zero})
			i = len(ledger.Buckets) - 1
		}
		b := &ledger.Buckets[i]
		b.Quantity = b.Quantity.Add(c.QuantityCharged)
		b.Amount = b.Amount.Add(c.FinalExpectedCost)
		b.Entries++
		ledger.Total = ledger.Total.Add(c.FinalExpectedCost)
	}
	sort.SliceStable(ledger.Buckets, func(i, j int) bool {
		if ledger.Buckets[i].Bucket != ledger.Buckets[j].Bucket {
			return ledger.Buckets[i].Bucket < ledger.Buckets[j].Bucket
		}
		return categoryRank(ledger.Buckets[i].Category) < categoryRank(ledger.Buckets[j].Category)
	})
	return ledger, nil
}

// Total adds the amounts of lines.
func Total(lines []AggregatedCost) money.Money {
	out := money.Zero
	for _, l := range lines {
		out = out.Add(l.Amount)
	}
	return out
}
