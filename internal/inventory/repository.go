package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerwise/wms/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
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

// WithTx runs fn in a read-committed transaction. Writers on one key are
// serialised by LockForUpdate rather than by snapshot isolation.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const balanceColumns = `warehouse_id, sku_id, batch_lot, current_cartons, current_pallets, current_units,
storage_cartons_per_pallet, shipping_cartons_per_pallet, last_transaction_date, version, updated_at, units_per_carton`

func scanBalance(row pgx.Row) (Balance, error) {
	var (
		b        Balance
		storage  *int32
		shipping *int32
		units    *int32
	)
	err := row.Scan(&b.WarehouseID, &b.SKUID, &b.BatchLot, &b.CurrentCartons, &b.CurrentPallets, &b.CurrentUnits,
		&storage, &shipping, &b.LastTransactionDate, &b.Version, &b.UpdatedAt, &units)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrBalanceNotFound
	}
	if err != nil {
		return Balance{}, err
	}
	b.StorageCartonsPerPallet = fromInt32(storage)
	b.ShippingCartonsPerPallet = fromInt32(shipping)
	b.UnitsPerCarton = fromInt32(units)
	return b, nil
}

const transactionColumns = `seq, transaction_id, type, warehouse_id, sku_id, batch_lot, cartons_in, cartons_out,
storage_pallets_in, shipping_pallets_out, storage_cartons_per_pallet, shipping_cartons_per_pallet, units_per_carton,
transaction_date, reference_id, container_number, tracking_number, ship_name, mode_of_transportation,
COALESCE(created_by_id, 0), created_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t        Transaction
		typ      string
		storage  *int32
		shipping *int32
		units    int32
	)
	err := row.Scan(&t.Seq, &t.TransactionID, &typ, &t.WarehouseID, &t.SKUID, &t.BatchLot, &t.CartonsIn, &t.CartonsOut,
		&t.StoragePalletsIn, &t.ShippingPalletsOut, &storage, &shipping, &units,
		&t.TransactionDate, &t.ReferenceID, &t.ContainerNumber, &t.TrackingNumber, &t.ShipName, &t.ModeOfTransportation,
		&t.CreatedByID, &t.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	t.Type = TransactionType(typ)
	t.UnitsPerCarton = int(units)
	t.StorageCartonsPerPallet = fromInt32(storage)
	t.ShippingCartonsPerPallet = fromInt32(shipping)
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM inventory_balances
WHERE warehouse_id=$1 AND sku_id=$2 AND batch_lot=$3`, key.WarehouseID, key.SKUID, key.BatchLot))
}

func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+balanceColumns+` FROM inventory_balances
WHERE ($1::bigint IS NULL OR warehouse_id=$1) AND ($2 = FALSE OR current_cartons > 0)
ORDER BY warehouse_id, sku_id, batch_lot`, filter.WarehouseID, filter.PositiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Balance{}
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) ListKeys(ctx context.Context, warehouseID *int64) ([]BalanceKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT warehouse_id, sku_id, batch_lot FROM (
    SELECT warehouse_id, sku_id, batch_lot FROM inventory_transactions
    UNION
    SELECT warehouse_id, sku_id, batch_lot FROM inventory_balances
) k WHERE ($1::bigint IS NULL OR warehouse_id=$1)
ORDER BY warehouse_id, sku_id, batch_lot`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []BalanceKey{}
	for rows.Next() {
		var k BalanceKey
		if err := rows.Scan(&k.WarehouseID, &k.SKUID, &k.BatchLot); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *Repository) History(ctx context.Context, key BalanceKey, through time.Time) ([]Transaction, error) {
	var bound any
	if !through.IsZero() {
		bound = through
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM inventory_transactions
WHERE warehouse_id=$1 AND sku_id=$2 AND batch_lot=$3 AND ($4::date IS NULL OR transaction_date <= $4)
ORDER BY transaction_date, seq`, key.WarehouseID, key.SKUID, key.BatchLot, bound)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.WarehouseID != nil {
		add("warehouse_id = $%d", *filter.WarehouseID)
	}
	if filter.SKUID != nil {
		add("sku_id = $%d", *filter.SKUID)
	}
	if !filter.From.IsZero() {
		add("transaction_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("transaction_date <= $%d", filter.To)
	}
	query := `SELECT ` + transactionColumns + ` FROM inventory_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY transaction_date, seq"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// LockForUpdate takes a transaction-scoped advisory lock on the key before
// reading, so two writers on a key with no balance row yet still serialise.
func (t *txRepository) LockForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	lockKey := db.AdvisoryKey("inventory", fmt.Sprint(key.WarehouseID), fmt.Sprint(key.SKUID), key.BatchLot)
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return Balance{}, err
	}
	return scanBalance(t.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM inventory_balances
WHERE warehouse_id=$1 AND sku_id=$2 AND batch_lot=$3 FOR UPDATE`, key.WarehouseID, key.SKUID, key.BatchLot))
}

func (t *txRepository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('inventory_transactions', 'seq'))`).Scan(&seq)
	return seq, err
}

func (t *txRepository) InsertTransaction(ctx context.Context, tx Transaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO inventory_transactions (seq, transaction_id, type, warehouse_id, sku_id, batch_lot,
cartons_in, cartons_out, storage_pallets_in, shipping_pallets_out, storage_cartons_per_pallet, shipping_cartons_per_pallet,
units_per_carton, transaction_date, reference_id, container_number, tracking_number, ship_name, mode_of_transportation,
created_by_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NULLIF($20,0),$21)`,
		tx.Seq, tx.TransactionID, string(tx.Type), tx.WarehouseID, tx.SKUID, tx.BatchLot,
		tx.CartonsIn, tx.CartonsOut, tx.StoragePalletsIn, tx.ShippingPalletsOut, tx.StorageCartonsPerPallet, tx.ShippingCartonsPerPallet,
		tx.UnitsPerCarton, tx.TransactionDate, tx.ReferenceID, tx.ContainerNumber, tx.TrackingNumber, tx.ShipName, tx.ModeOfTransportation,
		tx.CreatedByID, tx.CreatedAt)
	return err
}

func (t *txRepository) History(ctx context.Context, key BalanceKey) ([]Transaction, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+transactionColumns+` FROM inventory_transactions
WHERE warehouse_id=$1 AND sku_id=$2 AND batch_lot=$3 ORDER BY seq`, key.WarehouseID, key.SKUID, key.BatchLot)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (t *txRepository) SaveBalance(ctx context.Context, b Balance) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO inventory_balances (warehouse_id, sku_id, batch_lot, current_cartons, current_pallets,
current_units, storage_cartons_per_pallet, shipping_cartons_per_pallet, last_transaction_date, version, units_per_carton, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
ON CONFLICT (warehouse_id, sku_id, batch_lot) DO UPDATE SET
    current_cartons=EXCLUDED.current_cartons,
    current_pallets=EXCLUDED.current_pallets,
    current_units=EXCLUDED.current_units,
    storage_cartons_per_pallet=EXCLUDED.storage_cartons_per_pallet,
    shipping_cartons_per_pallet=EXCLUDED.shipping_cartons_per_pallet,
    last_transaction_date=EXCLUDED.last_transaction_date,
    version=EXCLUDED.version,
    units_per_carton=EXCLUDED.units_per_carton,
    updated_at=NOW()`,
		b.WarehouseID, b.SKUID, b.BatchLot, b.CurrentCartons, b.CurrentPallets,
		b.CurrentUnits, b.StorageCartonsPerPallet, b.ShippingCartonsPerPallet, b.LastTransactionDate, b.Version, b.UnitsPerCarton)
	return err
}

func fromInt32(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
