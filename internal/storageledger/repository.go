package storageledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/platform/db"
)

// Repository persists entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const upsertEntry = `
INSERT INTO storage_ledger (sl_id, week_ending_date, monday, warehouse_id, sku_id, batch_lot, cartons_end_of_monday,
    storage_pallets_charged, applicable_weekly_rate, calculated_weekly_cost, charge_unit, billing_period_start, billing_period_end)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (sl_id) DO UPDATE SET
    cartons_end_of_monday = EXCLUDED.cartons_end_of_monday,
    storage_pallets_charged = EXCLUDED.storage_pallets_charged,
    applicable_weekly_rate = EXCLUDED.applicable_weekly_rate,
    calculated_weekly_cost = EXCLUDED.calculated_weekly_cost,
    charge_unit = EXCLUDED.charge_unit,
    updated_at = NOW()
RETURNING (xmax = 0)`

const upsertCost = `
INSERT INTO calculated_costs (id, transaction_ref, transaction_type, transaction_date, warehouse_id, sku_id, batch_lot,
    category, cost_name, quantity_charged, applicable_rate, final_expected_cost, billing_period_start, billing_period_end)
VALUES ($1,$2,'STORAGE',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
    quantity_charged = EXCLUDED.quantity_charged,
    applicable_rate = EXCLUDED.applicable_rate,
    final_expected_cost = EXCLUDED.final_expected_cost`

// CostName labels the calculated cost row of an entry.
func CostName(chargeUnit string) string {
	if chargeUnit == ChargeCubicFoot {
		return "Weekly Cubic Foot Storage"
	}
	return "Weekly Pallet Storage"
}

// Save upserts entries and their cost rows in one transaction.
func (r *Repository) Save(ctx context.Context, entries []Entry) (created, updated int, err error) {
	if len(entries) == 0 {
		return 0, 0, nil
	}
	err = db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		created, updated = 0, 0
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(upsertEntry, e.SLID, e.WeekEndingDate, e.Monday, e.WarehouseID, e.SKUID, e.BatchLot,
				e.CartonsEndOfMonday, e.StoragePalletsCharged, e.ApplicableWeeklyRate, e.CalculatedWeeklyCost, e.ChargeUnit,
				e.BillingPeriodStart, e.BillingPeriodEnd)
			batch.Queue(upsertCost, e.CostID(), e.SLID, e.Monday, e.WarehouseID, e.SKUID, e.BatchLot,
				string(masterdata.CategoryStorage), CostName(e.ChargeUnit), e.StoragePalletsCharged, e.ApplicableWeeklyRate,
				e.CalculatedWeeklyCost, e.BillingPeriodStart, e.BillingPeriodEnd)
		}
		results := tx.SendBatch(ctx, batch)
		for _, e := range entries {
			var inserted bool
			if err := results.QueryRow().Scan(&inserted); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert %s: %w", e.SLID, err)
			}
			if inserted {
				created++
			} else {
				updated++
			}
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert cost %s: %w", e.CostID(), err)
			}
		}
		return results.Close()
	})
	return created, updated, err
}

// List returns entries ordered by Monday then SLID.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.WarehouseID != nil {
		add("s.warehouse_id = $%d", *filter.WarehouseID)
	}
	if filter.SKUID != nil {
		add("s.sku_id = $%d", *filter.SKUID)
	}
	if !filter.Period.IsZero() {
		add("s.billing_period_start = $%d", filter.Period.Start)
	}
	query := `SELECT s.sl_id, s.week_ending_date, s.monday, s.warehouse_id, w.code, s.sku_id, k.code, s.batch_lot,
    s.cartons_end_of_monday, s.storage_pallets_charged, s.applicable_weekly_rate, s.calculated_weekly_cost, s.charge_unit,
    s.billing_period_start, s.billing_period_end, s.created_at, s.updated_at
FROM storage_ledger s
JOIN warehouses w ON w.id = s.warehouse_id
JOIN skus k ON k.id = s.sku_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.monday, s.sl_id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SLID, &e.WeekEndingDate, &e.Monday, &e.WarehouseID, &e.WarehouseCode, &e.SKUID, &e.SKUCode, &e.BatchLot,
			&e.CartonsEndOfMonday, &e.StoragePalletsCharged, &e.ApplicableWeeklyRate, &e.CalculatedWeeklyCost, &e.ChargeUnit,
			&e.BillingPeriodStart, &e.BillingPeriodEnd, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
