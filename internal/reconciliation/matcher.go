package reconciliation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
)

// DefaultTolerance is the largest difference still classified as a match.
var DefaultTolerance = money.MustParse("0.01")

type chargeKey struct {
	category masterdata.CostCategory
	name     string
}

func keyOf(category masterdata.CostCategory, name string) chargeKey {
	return chargeKey{category: category, name: strings.ToLower(strings.TrimSpace(name))}
}

// Classify labels a difference of invoiced minus expected.
func Classify(difference, tolerance money.Money) RowStatus {
	switch {
	case difference.Abs().LessThanOrEqual(tolerance):
		return StatusMatch
	case difference.IsPositive():
		return StatusOverbilled
	default:
		return StatusUnderbilled
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func moneyPtr(m money.Money) *money.Money { return &m }

// Match compares line items with the expected summary. Rows follow the line
// item order, then the summary order for charges that were never billed.
// Each summary entry is consumed by the first line item that matches it, so
// a repeated line bills against nothing.
func Match(lines []LineItem, summary []costing.SummaryLine, tolerance money.Money) []Row {
	expected := make(map[chargeKey]int, len(summary))
	for i, s := range summary {
		k := keyOf(s.Category, s.Name)
		if _, dup := expected[k]; !dup {
			expected[k] = i
		}
	}
	consumed := make([]bool, len(summary))
	rows := make([]Row, 0, len(lines)+len(summary))

	for _, line := range lines {
		k := keyOf(line.Category, line.Name)
		i, found := expected[k]
		if found && consumed[i] {
			found = false
		}
		if !found {
			rows = append(rows, Row{
				Category:         line.Category,
				Name:             line.Name,
				ExpectedAmount:   money.Zero,
				InvoicedAmount:   line.Amount,
				Difference:       line.Amount,
				ExpectedQuantity: decimalPtr(decimal.Zero),
				InvoicedQuantity: decimalPtr(line.Quantity),
				UnitRate:         moneyPtr(line.UnitRate),
				Status:           StatusOverbilled,
			})
			continue
		}
		consumed[i] = true
		s := summary[i]
		rate := line.UnitRate
		if rate.IsZero() {
			rate = s.UnitRate
		}
		diff := line.Amount.Sub(s.TotalAmount)
		rows = append(rows, Row{
			Category:         line.Category,
			Name:             line.Name,
			ExpectedAmount:   s.TotalAmount,
			InvoicedAmount:   line.Amount,
			Difference:       diff,
			ExpectedQuantity: decimalPtr(s.TotalQuantity),
			InvoicedQuantity: decimalPtr(line.Quantity),
			UnitRate:         moneyPtr(rate),
			Status:           Classify(diff, tolerance),
		})
	}

	for i, s := range summary {
		if consumed[i] || !s.TotalAmount.IsPositive() {
			continue
		}
		consumed[i] = true
		rows = append(rows, Row{
			Category:         s.Category,
			Name:             s.Name,
			ExpectedAmount:   s.TotalAmount,
			InvoicedAmount:   money.Zero,
			Difference:       s.TotalAmount.Neg(),
			ExpectedQuantity: decimalPtr(s.TotalQuantity),
			InvoicedQuantity: decimalPtr(decimal.Zero),
			UnitRate:         moneyPtr(s.UnitRate),
			Status:           StatusUnderbilled,
		})
	}
	return rows
}

// Discrepancies counts rows that are not a match.
func Discrepancies(rows []Row) int {
	n := 0
	for _, r := range rows {
		if r.Status.Discrepancy() {
			n++
		}
	}
	return n
}

// VariancePercent is |difference| as a percentage of the expected amount;
// a charge with nothing expected is 100% off.
func VariancePercent(r Row) decimal.Decimal {
	if !r.ExpectedAmount.IsPositive() {
		return decimal.NewFromInt(100)
	}
	return r.Difference.Abs().Decimal().Div(r.ExpectedAmount.Decimal()).Mul(decimal.NewFromInt(100))
}
