// Package storageledger computes weekly storage charges from Monday
// snapshots of the inventory ledger.
package storageledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

// Charge units written on entries.
const (
	ChargePallet    = "pallet"
	ChargeCubicFoot = "cubic_foot"
)

// WeeksPerMonth converts monthly volume tariffs to weekly.
var WeeksPerMonth = decimal.RequireFromString("4.33")

// ErrInvalidRange marks a run whose end precedes its start.
var ErrInvalidRange = errors.New("storageledger: invalid date range")

// Entry is one weekly storage charge for a batch.
type Entry struct {
	SLID                  string          `json:"sl_id"`
	WeekEndingDate        time.Time       `json:"week_ending_date"`
	Monday                time.Time       `json:"monday"`
	WarehouseID           int64           `json:"warehouse_id"`
	WarehouseCode         string          `json:"warehouse_code"`
	SKUID                 int64           `json:"sku_id"`
	SKUCode               string          `json:"sku_code"`
	BatchLot              string          `json:"batch_lot"`
	CartonsEndOfMonday    int64           `json:"cartons_end_of_monday"`
	StoragePalletsCharged decimal.Decimal `json:"storage_pallets_charged"`
	ApplicableWeeklyRate  money.Money     `json:"applicable_weekly_rate"`
	CalculatedWeeklyCost  money.Money     `json:"calculated_weekly_cost"`
	ChargeUnit            string          `json:"charge_unit"`
	BillingPeriodStart    time.Time       `json:"billing_period_start"`
	BillingPeriodEnd      time.Time       `json:"billing_period_end"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Key returns the ledger the entry was computed from.
func (e Entry) Key() inventory.BalanceKey {
	return inventory.BalanceKey{WarehouseID: e.WarehouseID, SKUID: e.SKUID, BatchLot: e.BatchLot}
}

// CostID is the id of the calculated cost row mirroring the entry.
func (e Entry) CostID() string {
	return fmt.Sprintf("CC-STORAGE-%s-%s-%s-%s", e.Monday.Format(shared.DateLayout),
		inventory.IDPart(e.WarehouseCode), inventory.IDPart(e.SKUCode), inventory.IDPart(e.BatchLot))
}

// Reasons a combination could not be charged.
const (
	MissingPalletConfig = "pallet_config"
	MissingStorageRate  = "storage_rate"
	MissingVolumeRate   = "volume_rate"
)

// MissingConfiguration is a warning for a batch that holds stock on a
// Monday but cannot be priced.
type MissingConfiguration struct {
	Monday        time.Time `json:"monday"`
	WarehouseID   int64     `json:"warehouse_id"`
	WarehouseCode string    `json:"warehouse_code"`
	SKUID         int64     `json:"sku_id"`
	SKUCode       string    `json:"sku_code"`
	BatchLot      string    `json:"batch_lot"`
	Cartons       int64     `json:"cartons"`
	Reason        string    `json:"reason"`
}

// RunResult summarises one calculation.
type RunResult struct {
	RunID     string                 `json:"run_id"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	Mondays   int                    `json:"mondays"`
	Created   int                    `json:"created"`
	Updated   int                    `json:"updated"`
	Skipped   int                    `json:"skipped"`
	TotalCost money.Money            `json:"total_cost"`
	Warnings  []MissingConfiguration `json:"warnings"`
}

// Filter selects stored entries.
type Filter struct {
	WarehouseID *int64
	Period      shared.BillingPeriod
	SKUID       *int64
}

// Mondays lists every Monday from the week containing start through the
// week containing end.
func Mondays(start, end time.Time) []time.Time {
	first := weekStart(start)
	last := weekStart(end)
	out := []time.Time{}
	for d := first; !d.After(last); d = d.AddDate(0, 0, 7) {
		out = append(out, d)
	}
	return out
}

func weekStart(t time.Time) time.Time {
	d := shared.DateOf(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// WeekEnding is the Sunday closing the week that starts on monday.
func WeekEnding(monday time.Time) time.Time { return monday.AddDate(0, 0, 6) }

// SLID is the deterministic identifier of an entry.
func SLID(monday time.Time, warehouseCode, skuCode, batchLot string) string {
	return fmt.Sprintf("SL-%s-%s-%s-%s", shared.DateOf(monday).Format(shared.DateLayout),
		inventory.IDPart(warehouseCode), inventory.IDPart(skuCode), inventory.IDPart(batchLot))
}

// VolumeRateName is the tariff name charged for cubic-foot storage in the
// month of date: peak season runs October to December.
func VolumeRateName(date time.Time) string {
	if date.Month() >= time.October {
		return "Standard Size (Oct-Dec)"
	}
	return "Standard Size (Jan-Sep)"
}
