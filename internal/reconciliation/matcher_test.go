package reconciliation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
)

func expected(category masterdata.CostCategory, name, qty, rate, amount string) costing.SummaryLine {
	return costing.SummaryLine{
		Category:      category,
		Name:          name,
		TotalQuantity: decimal.RequireFromString(qty),
		UnitRate:      money.MustParse(rate),
		TotalAmount:   money.MustParse(amount),
	}
}

func billed(category masterdata.CostCategory, name, qty, amount string) LineItem {
	return LineItem{Category: category, Name: name, Quantity: decimal.RequireFromString(qty), Amount: money.MustParse(amount)}
}

func TestMatchClassifiesEveryCharge(t *testing.T) {
	summary := []costing.SummaryLine{
		expected(masterdata.CategoryStorage, "Pallet Storage", "500", "4.00", "2000.00"),
		expected(masterdata.CategoryContainer, "Container Unloading", "1", "250.00", "250.00"),
		expected(masterdata.CategoryCarton, "Carton Inbound Handling", "100", "0.50", "50.00"),
		expected(masterdata.CategoryShipment, "Shipment Processing", "8", "5.00", "40.00"),
		expected(masterdata.CategoryUnit, "Unit Picking", "0", "0.10", "0.00"),
	}
	lines := []LineItem{
		billed(masterdata.CategoryStorage, "Pallet Storage", "500", "2500.00"),
		billed(masterdata.CategoryContainer, "  container unloading ", "1", "250.00"),
		billed(masterdata.CategoryCarton, "Carton Inbound Handling", "100", "49.99"),
		billed(masterdata.CategoryAccessorial, "Hazmat Surcharge", "1", "75.00"),
	}

	rows := Match(lines, summary, DefaultTolerance)
	require.Len(t, rows, 5)

	require.Equal(t, StatusOverbilled, rows[0].Status)
	require.Equal(t, "500.00", rows[0].Difference.String())
	require.Equal(t, "2000.00", rows[0].ExpectedAmount.String())
	require.Equal(t, "4.00", rows[0].UnitRate.String())

	require.Equal(t, StatusMatch, rows[1].Status, "names match case-insensitively")
	require.Equal(t, StatusMatch, rows[2].Status, "one cent is within tolerance")

	require.Equal(t, StatusOverbilled, rows[3].Status)
	require.True(t, rows[3].ExpectedAmount.IsZero())
	require.Equal(t, "75.00", rows[3].Difference.String())

	require.Equal(t, "Shipment Processing", rows[4].Name)
	require.Equal(t, StatusUnderbilled, rows[4].Status)
	require.Equal(t, "-40.00", rows[4].Difference.String())
	require.True(t, rows[4].InvoicedAmount.IsZero())

	require.Equal(t, 3, Discrepancies(rows))
}

func TestMatchConsumesEachExpectedChargeOnce(t *testing.T) {
	summary := []costing.SummaryLine{expected(masterdata.CategoryShipment, "Shipment Processing", "8", "5.00", "40.00")}
	lines := []LineItem{
		billed(masterdata.CategoryShipment, "Shipment Processing", "8", "40.00"),
		billed(masterdata.CategoryShipment, "Shipment Processing", "8", "40.00"),
	}
	rows := Match(lines, summary, DefaultTolerance)
	require.Len(t, rows, 2)
	require.Equal(t, StatusMatch, rows[0].Status)
	require.Equal(t, StatusOverbilled, rows[1].Status)
	require.Equal(t, "40.00", rows[1].Difference.String())
}

func TestMatchSameNameDifferentCategory(t *testing.T) {
	summary := []costing.SummaryLine{expected(masterdata.CategoryCarton, "Handling", "10", "1.00", "10.00")}
	lines := []LineItem{billed(masterdata.CategoryPallet, "Handling", "10", "10.00")}
	rows := Match(lines, summary, DefaultTolerance)
	require.Len(t, rows, 2)
	require.Equal(t, StatusOverbilled, rows[0].Status)
	require.Equal(t, StatusUnderbilled, rows[1].Status)
}

func TestClassify(t *testing.T) {
	tol := DefaultTolerance
	require.Equal(t, StatusMatch, Classify(money.MustParse("0.01"), tol))
	require.Equal(t, StatusMatch, Classify(money.MustParse("-0.01"), tol))
	require.Equal(t, StatusOverbilled, Classify(money.MustParse("0.02"), tol))
	require.Equal(t, StatusUnderbilled, Classify(money.MustParse("-0.02"), tol))
}

func TestVariancePercent(t *testing.T) {
	row := Row{ExpectedAmount: money.MustParse("200.00"), Difference: money.MustParse("-6.00")}
	require.True(t, VariancePercent(row).Equal(decimal.NewFromInt(3)))

	row = Row{ExpectedAmount: money.Zero, Difference: money.MustParse("1.00")}
	require.True(t, VariancePercent(row).Equal(decimal.NewFromInt(100)))
}
