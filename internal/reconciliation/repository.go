package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/platform/db"
)

// Repository persists invoices and reconciliation rows in PostgreSQL.
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

// WithTx runs fn in a read-committed transaction. Invoice and row changes
// are serialised by FOR UPDATE on the invoice.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const invoiceColumns = `id, invoice_number, warehouse_id, billing_period_start, billing_period_end, total_amount, paid_amount, status, notes, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.WarehouseID, &inv.BillingPeriodStart, &inv.BillingPeriodEnd,
		&inv.TotalAmount, &inv.PaidAmount, &status, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	inv.Status = InvoiceStatus(status)
	return inv, err
}

const rowColumns = `id, invoice_id, category, name, expected_amount, invoiced_amount, difference, expected_quantity,
    invoiced_quantity, unit_rate, status, resolution_notes, suggested_amount, resolved_by_id, resolved_at, created_at`

func scanRow(row pgx.Row) (Row, error) {
	var out Row
	var category, status string
	err := row.Scan(&out.ID, &out.InvoiceID, &category, &out.Name, &out.ExpectedAmount, &out.InvoicedAmount, &out.Difference,
		&out.ExpectedQuantity, &out.InvoicedQuantity, &out.UnitRate, &status, &out.ResolutionNotes, &out.SuggestedAmount,
		&out.ResolvedByID, &out.ResolvedAt, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrRowNotFound
	}
	out.Category = masterdata.CostCategory(category)
	out.Status = RowStatus(status)
	return out, err
}

// GetInvoice loads an invoice with its line items.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, line_no, category, name, quantity, unit_rate, amount
FROM invoice_line_items WHERE invoice_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	inv.LineItems = []LineItem{}
	for rows.Next() {
		var li LineItem
		var category string
		if err := rows.Scan(&li.ID, &li.LineNo, &category, &li.Name, &li.Quantity, &li.UnitRate, &li.Amount); err != nil {
			return Invoice{}, err
		}
		li.Category = masterdata.CostCategory(category)
		inv.LineItems = append(inv.LineItems, li)
	}
	return inv, rows.Err()
}

// ListInvoices returns invoices without line items, ordered by invoice number.
func (r *Repository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
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
	if !filter.From.IsZero() {
		add("billing_period_start >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("billing_period_start <= $%d", filter.To)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY invoice_number"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListRows returns the rows of an invoice in insertion order.
func (r *Repository) ListRows(ctx context.Context, invoiceID uuid.UUID) ([]Row, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rowColumns+` FROM invoice_reconciliations WHERE invoice_id=$1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO invoices (`+invoiceColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inv.ID, inv.InvoiceNumber, inv.WarehouseID, inv.BillingPeriodStart, inv.BillingPeriodEnd, inv.TotalAmount,
		inv.PaidAmount, string(inv.Status), inv.Notes, inv.CreatedAt, inv.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateInvoice, inv.InvoiceNumber)
	}
	if err != nil {
		return err
	}
	if len(inv.LineItems) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, li := range inv.LineItems {
		batch.Queue(`INSERT INTO invoice_line_items (id, invoice_id, line_no, category, name, quantity, unit_rate, amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, li.ID, inv.ID, li.LineNo, string(li.Category), li.Name, li.Quantity, li.UnitRate, li.Amount)
	}
	results := r.tx.SendBatch(ctx, batch)
	for _, li := range inv.LineItems {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert line %d: %w", li.LineNo, err)
		}
	}
	return results.Close()
}

func (r *txRepository) LockInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return scanInvoice(r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) CountRows(ctx context.Context, invoiceID uuid.UUID) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoice_reconciliations WHERE invoice_id=$1`, invoiceID).Scan(&n)
	return n, err
}

func (r *txRepository) InsertRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`INSERT INTO invoice_reconciliations (`+rowColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			row.ID, row.InvoiceID, string(row.Category), row.Name, row.ExpectedAmount, row.InvoicedAmount, row.Difference,
			row.ExpectedQuantity, row.InvoicedQuantity, row.UnitRate, string(row.Status), row.ResolutionNotes,
			row.SuggestedAmount, row.ResolvedByID, row.ResolvedAt, row.CreatedAt)
	}
	results := r.tx.SendBatch(ctx, batch)
	for _, row := range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert row %s/%s: %w", row.Category, row.Name, err)
		}
	}
	return results.Close()
}

func (r *txRepository) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, notes string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET status=$2, notes=$3, updated_at=NOW() WHERE id=$1`, id, string(status), notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) LockRow(ctx context.Context, id uuid.UUID) (Row, error) {
	return scanRow(r.tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM invoice_reconciliations WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) LockRows(ctx context.Context, invoiceID uuid.UUID) ([]Row, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+rowColumns+` FROM invoice_reconciliations
WHERE invoice_id=$1 ORDER BY created_at, id FOR UPDATE`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *txRepository) UpdateRow(ctx context.Context, row Row) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoice_reconciliations
SET status=$2, resolution_notes=$3, suggested_amount=$4, resolved_by_id=$5, resolved_at=$6
WHERE id=$1`, row.ID, string(row.Status), row.ResolutionNotes, row.SuggestedAmount, row.ResolvedByID, row.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (r *txRepository) CountUnresolved(ctx context.Context, invoiceID uuid.UUID) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoice_reconciliations
WHERE invoice_id=$1 AND status IN ('overbilled','underbilled')`, invoiceID).Scan(&n)
	return n, err
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO invoice_payments (id, invoice_id, amount, paid_on, method, reference, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, p.ID, p.InvoiceID, p.Amount, p.PaidOn, p.Method, p.Reference, actorRef(p.CreatedByID), p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.Reference)
	}
	return err
}

func (r *txRepository) HasPaymentReference(ctx context.Context, invoiceID uuid.UUID, reference string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoice_payments WHERE invoice_id=$1 AND reference=$2)`,
		invoiceID, reference).Scan(&exists)
	return exists, err
}

func (r *txRepository) UpdateInvoicePaid(ctx context.Context, id uuid.UUID, paid money.Money, status InvoiceStatus, notes string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET paid_amount=$2, status=$3, notes=$4, updated_at=NOW() WHERE id=$1`,
		id, paid, string(status), notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
