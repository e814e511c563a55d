// Package costing turns ledger movements and storage entries into the
// expected charges of a billing period.
package costing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
)

var (
	// ErrInvalidInput marks rejected accessorial input.
	ErrInvalidInput = errors.New("costing: invalid input")
	// ErrInvalidGrouping marks an unknown cost ledger grouping.
	ErrInvalidGrouping = errors.New("costing: invalid grouping")
)

// Charge names written by the aggregation rules.
const (
	NameContainer      = "Container Unloading"
	NameCartonInbound  = "Carton Inbound Handling"
	NamePalletInbound  = "Pallet Inbound Handling"
	NamePalletOutbound = "Pallet Outbound Handling"
	NameCartonOutbound = "Carton Outbound Handling"
	NameUnitPick       = "Unit Picking"
	NameShipment       = "Shipment Processing"
	NameCartonTransfer = "Carton Transfer Handling"
)

// TypeAccessorial is the transaction type of manual charges.
const TypeAccessorial = "ACCESSORIAL"

// Detail is one contributor to an aggregated line.
type Detail struct {
	SKUID    int64           `json:"sku_id,omitempty"`
	BatchLot string          `json:"batch_lot,omitempty"`
	Ref      string          `json:"ref,omitempty"`
	Date     time.Time       `json:"date"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   money.Money     `json:"amount"`
}

// AggregatedCost is the expected charge of one rule over a period.
type AggregatedCost struct {
	Category masterdata.CostCategory `json:"category"`
	Name     string                  `json:"name"`
	Quantity decimal.Decimal         `json:"quantity"`
	UnitRate money.Money             `json:"unit_rate"`
	Unit     string                  `json:"unit"`
	Amount   money.Money             `json:"amount"`
	Details  []Detail                `json:"details,omitempty"`
}

// SummaryLine is a period total per category and name.
type SummaryLine struct {
	Category      masterdata.CostCategory `json:"category"`
	Name          string                  `json:"name"`
	TotalQuantity decimal.Decimal         `json:"total_quantity"`
	UnitRate      money.Money             `json:"unit_rate"`
	Unit          string                  `json:"unit"`
	TotalAmount   money.Money             `json:"total_amount"`
}

// CalculatedCost is a persisted expected charge.
type CalculatedCost struct {
	ID                 string                  `json:"id"`
	TransactionRef     string                  `json:"transaction_ref"`
	TransactionType    string                  `json:"transaction_type"`
	TransactionDate    time.Time               `json:"transaction_date"`
	WarehouseID        int64                   `json:"warehouse_id"`
	SKUID              *int64                  `json:"sku_id,omitempty"`
	BatchLot           string                  `json:"batch_lot"`
	Category           masterdata.CostCategory `json:"category"`
	CostName           string                  `json:"cost_name"`
	QuantityCharged    decimal.Decimal         `json:"quantity_charged"`
	ApplicableRate     money.Money             `json:"applicable_rate"`
	FinalExpectedCost  money.Money             `json:"final_expected_cost"`
	BillingPeriodStart time.Time               `json:"billing_period_start"`
	BillingPeriodEnd   time.Time               `json:"billing_period_end"`
	Notes              string                  `json:"notes,omitempty"`
	CreatedByID        *int64                  `json:"created_by_id,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
}

// AccessorialInput records a manual charge such as labelling or rework.
type AccessorialInput struct {
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	SKUID       *int64          `json:"sku_id"`
	BatchLot    string          `json:"batch_lot" validate:"max=100"`
	Name        string          `json:"name" validate:"required,max=200"`
	Reference   string          `json:"reference" validate:"max=200"`
	Date        time.Time       `json:"date" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        money.Money     `json:"rate"`
	Notes       string          `json:"notes" validate:"max=1000"`
	ActorID     int64           `json:"-"`
}

// CostFilter selects persisted costs.
type CostFilter struct {
	WarehouseID int64
	From        time.Time
	To          time.Time
	Category    masterdata.CostCategory
}

// GroupBy selects the bucket size of a cost ledger.
type GroupBy string

const (
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
)

// LedgerBucket totals one category over one week or month.
type LedgerBucket struct {
	Bucket   string                  `json:"bucket"`
	Category masterdata.CostCategory `json:"category"`
	Quantity decimal.Decimal         `json:"quantity"`
	Amount   money.Money             `json:"amount"`
	Entries  int                     `json:"entries"`
}

// CostLedger is the bucketed view of persisted costs.
type CostLedger struct {
	GroupBy GroupBy        `json:"group_by"`
	Buckets []LedgerBucket `json:"buckets"`
	Total   money.Money    `json:"total"`
}

// GenerateResult reports a per-transaction cost run.
type GenerateResult struct {
	Transactions int         `json:"transactions"`
	Created      int         `json:"created"`
	Existing     int         `json:"existing"`
	MissingRates []string    `json:"missing_rates,omitempty"`
	Total        money.Money `json:"total"`
}
