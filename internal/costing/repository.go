package costing

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/platform/db"
)

// Repository persists calculated costs in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertCost = `
INSERT INTO calculated_costs (id, transaction_ref, transaction_type, transaction_date, warehouse_id, sku_id, batch_lot,
    category, cost_name, quantity_charged, applicable_rate, final_expected_cost, billing_period_start, billing_period_end,
    notes, created_by_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO NOTHING`

// InsertCosts writes missing rows in one transaction.
func (r *Repository) InsertCosts(ctx context.Context, costs []CalculatedCost) (int, error) {
	if len(costs) == 0 {
		return 0, nil
	}
	created := 0
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		created = 0
		batch := &pgx.Batch{}
		for _, c := range costs {
			batch.Queue(insertCost, c.ID, c.TransactionRef, c.TransactionType, c.TransactionDate, c.WarehouseID, c.SKUID,
				c.BatchLot, string(c.Category), c.CostName, c.QuantityCharged, c.ApplicableRate, c.FinalExpectedCost,
				c.BillingPeriodStart, c.BillingPeriodEnd, c.Notes, c.CreatedByID)
		}
		results := tx.SendBatch(ctx, batch)
		for _, c := range costs {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("insert %s: %w", c.ID, err)
			}
			created += int(tag.RowsAffected())
		}
		return results.Close()
	})
	return created, err
}

// ListCosts returns costs ordered by date then id. From and To bound the
// transaction date inclusively.
func (r *Repository) ListCosts(ctx context.Context, filter CostFilter) ([]CalculatedCost, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.WarehouseID > 0 {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	if !filter.From.IsZero() {
		add("transaction_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("transaction_date <= $%d", filter.To)
	}
	if filter.Category != "" {
		add("category = $%d", string(filter.Category))
	}
	query := `SELECT id, transaction_ref, transaction_type, transaction_date, warehouse_id, sku_id, batch_lot, category,
    cost_name, quantity_charged, applicable_rate, final_expected_cost, billing_period_start, billing_period_end, notes,
    created_by_id, created_at
FROM calculated_costs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY transaction_date, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CalculatedCost{}
	for rows.Next() {
		var c CalculatedCost
		var category string
		if err := rows.Scan(&c.ID, &c.TransactionRef, &c.TransactionType, &c.TransactionDate, &c.WarehouseID, &c.SKUID,
			&c.BatchLot, &category, &c.CostName, &c.QuantityCharged, &c.ApplicableRate, &c.FinalExpectedCost,
			&c.BillingPeriodStart, &c.BillingPeriodEnd, &c.Notes, &c.CreatedByID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Category = masterdata.CostCategory(category)
		out = append(out, c)
	}
	return out, rows.Err()
}
