package masterdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerwise/wms/internal/platform/db"
)

// Repository persists master data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction; the closing and inserting
// of rate intervals is serialised by row locks on the open rate.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const warehouseColumns = `id, code, name, active, charge_by_volume, created_at`

func scanWarehouse(row pgx.Row) (Warehouse, error) {
	var w Warehouse
	err := row.Scan(&w.ID, &w.Code, &w.Name, &w.Active, &w.ChargeByVolume, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, ErrWarehouseNotFound
	}
	return w, err
}

func (r *Repository) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	return scanWarehouse(r.pool.QueryRow(ctx, `SELECT `+warehouseColumns+` FROM warehouses WHERE id=$1`, id))
}

func (r *Repository) ListWarehouses(ctx context.Context, activeOnly bool) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+warehouseColumns+` FROM warehouses WHERE ($1 = FALSE OR active) ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Warehouse{}
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *Repository) InsertWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO warehouses (code, name, active, charge_by_volume) VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		w.Code, w.Name, w.Active, w.ChargeByVolume).Scan(&w.ID, &w.CreatedAt)
	if db.IsUniqueViolation(err) {
		return Warehouse{}, fmt.Errorf("%w: warehouse code %s exists", ErrInvalidInput, w.Code)
	}
	return w, err
}

func (r *Repository) SetWarehouseActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE warehouses SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWarehouseNotFound
	}
	return nil
}

func (r *Repository) GetSKU(ctx context.Context, id int64) (SKU, error) {
	var s SKU
	err := r.pool.QueryRow(ctx, `SELECT id, code, description, units_per_carton, carton_dimensions_cm, updated_at FROM skus WHERE id=$1`, id).
		Scan(&s.ID, &s.Code, &s.Description, &s.UnitsPerCarton, &s.CartonDimensionsCm, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SKU{}, ErrSKUNotFound
	}
	return s, err
}

func (r *Repository) InsertSKU(ctx context.Context, s SKU) (SKU, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO skus (code, description, units_per_carton, carton_dimensions_cm) VALUES ($1,$2,$3,$4) RETURNING id, updated_at`,
		s.Code, s.Description, s.UnitsPerCarton, s.CartonDimensionsCm).Scan(&s.ID, &s.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return SKU{}, fmt.Errorf("%w: sku code %s exists", ErrInvalidInput, s.Code)
	}
	return s, err
}

func (r *Repository) UpdateSKUUnitsPerCarton(ctx context.Context, id int64, units int) error {
	tag, err := r.pool.Exec(ctx, `UPDATE skus SET units_per_carton=$2, updated_at=NOW() WHERE id=$1`, id, units)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSKUNotFound
	}
	return nil
}

const rateColumns = `id, warehouse_id, category, name, rate, unit_of_measure, effective_date, end_date`

func scanRate(row pgx.Row) (CostRate, error) {
	var rate CostRate
	var category string
	err := row.Scan(&rate.ID, &rate.WarehouseID, &category, &rate.Name, &rate.Rate, &rate.UnitOfMeasure, &rate.EffectiveDate, &rate.EndDate)
	rate.Category = CostCategory(category)
	return rate, err
}

func (r *Repository) ListRates(ctx context.Context, warehouseID int64) ([]CostRate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rateColumns+` FROM cost_rates WHERE warehouse_id=$1 ORDER BY effective_date, id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CostRate{}
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, rows.Err()
}

func (r *Repository) ListSKUConfigs(ctx context.Context, warehouseID, skuID int64) ([]SKUConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, warehouse_id, sku_id, storage_cartons_per_pallet, shipping_cartons_per_pallet, effective_date, end_date
FROM warehouse_sku_configs WHERE warehouse_id=$1 AND sku_id=$2 ORDER BY effective_date, id`, warehouseID, skuID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SKUConfig{}
	for rows.Next() {
		var c SKUConfig
		if err := rows.Scan(&c.ID, &c.WarehouseID, &c.SKUID, &c.Pallets.StorageCartonsPerPallet, &c.Pallets.ShippingCartonsPerPallet, &c.EffectiveDate, &c.EndDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) LatestOpenRate(ctx context.Context, warehouseID int64, category CostCategory, name string) (CostRate, bool, error) {
	rate, err := scanRate(r.tx.QueryRow(ctx, `SELECT `+rateColumns+` FROM cost_rates
WHERE warehouse_id=$1 AND category=$2 AND name=$3 AND end_date IS NULL
ORDER BY effective_date DESC LIMIT 1 FOR UPDATE`, warehouseID, string(category), name))
	if errors.Is(err, pgx.ErrNoRows) {
		return CostRate{}, false, nil
	}
	if err != nil {
		return CostRate{}, false, err
	}
	return rate, true, nil
}

func (r *txRepository) CloseRate(ctx context.Context, id int64, end time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_rates SET end_date=$2 WHERE id=$1 AND end_date IS NULL`, id, end)
	return err
}

func (r *txRepository) InsertRate(ctx context.Context, rate CostRate) (CostRate, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_rates (warehouse_id, category, name, rate, unit_of_measure, effective_date)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, rate.WarehouseID, string(rate.Category), rate.Name, rate.Rate, rate.UnitOfMeasure, rate.EffectiveDate).Scan(&rate.ID)
	return rate, err
}

func (r *txRepository) LatestOpenSKUConfig(ctx context.Context, warehouseID, skuID int64) (SKUConfig, bool, error) {
	var c SKUConfig
	err := r.tx.QueryRow(ctx, `SELECT id, warehouse_id, sku_id, storage_cartons_per_pallet, shipping_cartons_per_pallet, effective_date, end_date
FROM warehouse_sku_configs WHERE warehouse_id=$1 AND sku_id=$2 AND end_date IS NULL
ORDER BY effective_date DESC LIMIT 1 FOR UPDATE`, warehouseID, skuID).
		Scan(&c.ID, &c.WarehouseID, &c.SKUID, &c.Pallets.StorageCartonsPerPallet, &c.Pallets.ShippingCartonsPerPallet, &c.EffectiveDate, &c.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return SKUConfig{}, false, nil
	}
	if err != nil {
		return SKUConfig{}, false, err
	}
	return c, true, nil
}

func (r *txRepository) CloseSKUConfig(ctx context.Context, id int64, end time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE warehouse_sku_configs SET end_date=$2 WHERE id=$1 AND end_date IS NULL`, id, end)
	return err
}

func (r *txRepository) InsertSKUConfig(ctx context.Context, c SKUConfig) (SKUConfig, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO warehouse_sku_configs (warehouse_id, sku_id, storage_cartons_per_pallet, shipping_cartons_per_pallet, effective_date)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, c.WarehouseID, c.SKUID, c.Pallets.StorageCartonsPerPallet, c.Pallets.ShippingCartonsPerPallet, c.EffectiveDate).Scan(&c.ID)
	return c, err
}
