package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

// RepositoryPort abstracts invoice persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	ListRows(ctx context.Context, invoiceID uuid.UUID) ([]Row, error)
}

// TxRepository is the transactional surface. Lock methods hold the row
// until the unit of work ends.
type TxRepository interface {
	InsertInvoice(ctx context.Context, invoice Invoice) error
	LockInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	CountRows(ctx context.Context, invoiceID uuid.UUID) (int, error)
	InsertRows(ctx context.Context, rows []Row) error
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, notes string) error
	LockRow(ctx context.Context, id uuid.UUID) (Row, error)
	UpdateRow(ctx context.Context, row Row) error
	CountUnresolved(ctx context.Context, invoiceID uuid.UUID) (int, error)
	// LockRows locks every row of an invoice, in insertion order.
	LockRows(ctx context.Context, invoiceID uuid.UUID) ([]Row, error)
	InsertPayment(ctx context.Context, payment Payment) error
	HasPaymentReference(ctx context.Context, invoiceID uuid.UUID, reference string) (bool, error)
	UpdateInvoicePaid(ctx context.Context, id uuid.UUID, paid money.Money, status InvoiceStatus, notes string) error
}

// SummaryPort yields expected charges. *costing.Service satisfies it.
type SummaryPort interface {
	Summary(ctx context.Context, warehouseID int64, period shared.BillingPeriod) ([]costing.SummaryLine, error)
}

// CatalogPort resolves warehouses. *masterdata.Service satisfies it.
type CatalogPort interface {
	Warehouse(ctx context.Context, id int64) (masterdata.Warehouse, error)
}

// Config groups optional settings.
type Config struct {
	// Tolerance bounds a matching difference; defaults to one cent.
	Tolerance money.Money
	Lock      *shared.RunLock
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
	// Workers bounds invoices reconciled at once in a run.
	Workers int
}

// Service reconciles invoices.
type Service struct {
	repo      RepositoryPort
	summaries SummaryPort
	catalog   CatalogPort
	audit     shared.AuditRecorder
	tolerance money.Money
	lock      *shared.RunLock
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	workers   int
	validate  *validator.Validate
}

// NewService builds a Service.
func NewService(repo RepositoryPort, summaries SummaryPort, catalog CatalogPort, audit shared.AuditRecorder, cfg Config) *Service {
	s := &Service{
		repo:      repo,
		summaries: summaries,
		catalog:   catalog,
		audit:     audit,
		tolerance: cfg.Tolerance,
		lock:      cfg.Lock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		workers:   cfg.Workers,
		validate:  validator.New(),
	}
	if s.tolerance.IsZero() {
		s.tolerance = DefaultTolerance
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	return s
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// CreateInvoice stores a pending invoice with its line items. A missing
// total is taken as the sum of the lines.
func (s *Service) CreateInvoice(ctx context.Context, input InvoiceInput) (Invoice, error) {
	input.InvoiceNumber = strings.TrimSpace(input.InvoiceNumber)
	if err := s.check(input); err != nil {
		return Invoice{}, err
	}
	period, err := shared.PeriodFromMonth(input.Period)
	if err != nil {
		return Invoice{}, err
	}
	if _, err := s.catalog.Warehouse(ctx, input.WarehouseID); err != nil {
		return Invoice{}, err
	}
	now := s.now().UTC()
	invoice := Invoice{
		ID:                 uuid.New(),
		InvoiceNumber:      input.InvoiceNumber,
		WarehouseID:        input.WarehouseID,
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
		Status:             InvoicePending,
		Notes:              input.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sum := money.Zero
	for i, li := range input.LineItems {
		category, ok := masterdata.ParseCategory(li.Category)
		if !ok {
			return Invoice{}, fmt.Errorf("%w: line %d: unknown category %q", ErrInvalidInput, i+1, li.Category)
		}
		invoice.LineItems = append(invoice.LineItems, LineItem{
			ID:       uuid.New(),
			LineNo:   i + 1,
			Category: category,
			Name:     strings.TrimSpace(li.Name),
			Quantity: li.Quantity,
			UnitRate: li.UnitRate,
			Amount:   li.Amount.Round(),
		})
		sum = sum.Add(li.Amount.Round())
	}
	invoice.TotalAmount = sum
	if input.TotalAmount != nil {
		invoice.TotalAmount = input.TotalAmount.Round()
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertInvoice(ctx, invoice)
	}); err != nil {
		return Invoice{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "reconciliation:invoice_create",
		Entity:   "invoice",
		EntityID: invoice.ID.String(),
		After:    map[string]any{"invoice_number": invoice.InvoiceNumber, "total": invoice.TotalAmount.String(), "lines": len(invoice.LineItems)},
	})
	return invoice, nil
}

// ReconcileInvoice writes the reconciliation rows of one invoice. An invoice
// that already has rows is left alone. Only pending invoices change status:
// to reconciled when every row matches, otherwise they stay pending with a
// note counting the discrepancies.
func (s *Service) ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID, actorID int64) (InvoiceOutcome, error) {
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceOutcome{}, err
	}
	outcome := InvoiceOutcome{InvoiceID: invoice.ID, InvoiceNumber: invoice.InvoiceNumber, Status: invoice.Status}
	existing, err := s.repo.ListRows(ctx, invoiceID)
	if err != nil {
		return outcome, err
	}
	if len(existing) > 0 {
		outcome.Skipped = true
		return outcome, nil
	}

	summary, err := s.summaries.Summary(ctx, invoice.WarehouseID, invoice.Period())
	if err != nil {
		return outcome, fmt.Errorf("expected costs: %w", err)
	}
	rows := Match(invoice.LineItems, summary, s.tolerance)
	now := s.now().UTC()
	for i := range rows {
		rows[i].ID = uuid.New()
		rows[i].InvoiceID = invoice.ID
		rows[i].CreatedAt = now
	}
	discrepancies := Discrepancies(rows)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		// A concurrent run may have written rows since the check above.
		n, err := tx.CountRows(ctx, invoiceID)
		if err != nil {
			return err
		}
		if n > 0 {
			outcome.Skipped = true
			return nil
		}
		if err := tx.InsertRows(ctx, rows); err != nil {
			return err
		}
		outcome.Status = locked.Status
		if locked.Status != InvoicePending {
			return nil
		}
		status, note := InvoiceReconciled, locked.Notes
		if discrepancies > 0 {
			status, note = InvoicePending, fmt.Sprintf("%d discrepancies found", discrepancies)
		}
		if err := tx.UpdateInvoiceStatus(ctx, invoiceID, status, note); err != nil {
			return err
		}
		outcome.Status = status
		outcome.StatusChanged = status != locked.Status
		return nil
	})
	if err != nil {
		return outcome, err
	}
	if outcome.Skipped {
		return outcome, nil
	}
	outcome.Rows = len(rows)
	outcome.Discrepancies = discrepancies
	s.metrics.wrote(rows)

	counts := Counts{}
	for _, r := range rows {
		counts.add(r)
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   "reconciliation:invoice",
		Entity:   "invoice",
		EntityID: invoice.ID.String(),
		Before:   map[string]any{"status": string(invoice.Status)},
		After:    map[string]any{"status": string(outcome.Status)},
		Meta: map[string]any{
			"invoice_number": invoice.InvoiceNumber,
			"rows":           counts.Total,
			"matched":        counts.Matched,
			"overbilled":     counts.Overbilled,
			"underbilled":    counts.Underbilled,
			"total_variance": counts.TotalVariance.String(),
		},
	})
	return outcome, nil
}

// Run reconciles every open invoice of a period. Each invoice is processed
// on its own; failures are reported in the summary and do not stop the run.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	started := time.Now()
	defer s.metrics.run(started)

	period := shared.PeriodFor(s.now())
	if req.Period != nil {
		period = *req.Period
	}
	var scope int64
	if req.WarehouseID != nil {
		scope = *req.WarehouseID
	}
	release, err := s.lock.Acquire(ctx, shared.RunLockKey("reconciliation", period, scope))
	if err != nil {
		return RunSummary{}, err
	}
	defer release()

	invoices, err := s.repo.ListInvoices(ctx, InvoiceFilter{
		WarehouseID: req.WarehouseID,
		From:        period.Start,
		To:          period.End,
		Statuses:    []InvoiceStatus{InvoicePending, InvoiceReconciled, InvoiceDisputed},
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("list invoices: %w", err)
	}

	summary := RunSummary{
		RunID:    uuid.NewString(),
		Period:   period,
		Invoices: len(invoices),
		Outcomes: []InvoiceOutcome{},
		Failures: []Failure{},
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, inv := range invoices {
		g.Go(func() error {
			outcome, err := s.ReconcileInvoice(gctx, inv.ID, req.ActorID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.metrics.invoice("failed")
				s.logger.Warn("reconcile invoice", slog.String("invoice", inv.InvoiceNumber), slog.Any("error", err))
				summary.Failures = append(summary.Failures, Failure{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Error: err.Error()})
				return nil
			}
			summary.Outcomes = append(summary.Outcomes, outcome)
			if outcome.Skipped {
				s.metrics.invoice("skipped")
				summary.Skipped++
				return nil
			}
			s.metrics.invoice("processed")
			summary.Processed++
			summary.RowsCreated += outcome.Rows
			if outcome.StatusChanged && outcome.Status == InvoiceReconciled {
				summary.Reconciled++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Outcomes, func(i, j int) bool { return summary.Outcomes[i].InvoiceNumber < summary.Outcomes[j].InvoiceNumber })
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].InvoiceNumber < summary.Failures[j].InvoiceNumber })

	s.logger.Info("reconciliation run finished",
		slog.String("run_id", summary.RunID),
		slog.String("period", period.String()),
		slog.Int("invoices", summary.Invoices),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", len(summary.Failures)),
	)
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  req.ActorID,
		Action:   "reconciliation:run",
		Entity:   "reconciliation_run",
		EntityID: summary.RunID,
		Meta: map[string]any{
			"period":    period.Key(),
			"invoices":  summary.Invoices,
			"processed": summary.Processed,
			"rows":      summary.RowsCreated,
			"failures":  len(summary.Failures),
		},
	})
	return summary, nil
}

// ResolveRow records a reviewer's decision on one row. The invoice becomes
// reconciled once none of its rows remain a discrepancy.
func (s *Service) ResolveRow(ctx context.Context, rowID uuid.UUID, input ResolveInput) (Row, error) {
	if err := s.check(input); err != nil {
		return Row{}, err
	}
	switch input.Status {
	case StatusMatch, StatusOverbilled, StatusUnderbilled, StatusResolved:
	default:
		return Row{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, input.Status)
	}
	var before, after Row
	var invoiceStatus InvoiceStatus
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		row, err := tx.LockRow(ctx, rowID)
		if err != nil {
			return err
		}
		invoice, err := tx.LockInvoice(ctx, row.InvoiceID)
		if err != nil {
			return err
		}
		before = row
		now := s.now().UTC()
		row.Status = input.Status
		row.ResolutionNotes = strings.TrimSpace(input.Notes)
		row.SuggestedAmount = input.SuggestedAmount
		if input.ActorID > 0 {
			actor := input.ActorID
			row.ResolvedByID = &actor
		}
		row.ResolvedAt = &now
		if err := tx.UpdateRow(ctx, row); err != nil {
			return err
		}
		after = row
		invoiceStatus = invoice.Status
		open, err := tx.CountUnresolved(ctx, row.InvoiceID)
		if err != nil {
			return err
		}
		if open == 0 && invoice.Status == InvoicePending {
			invoiceStatus = InvoiceReconciled
			return tx.UpdateInvoiceStatus(ctx, row.InvoiceID, InvoiceReconciled, invoice.Notes)
		}
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "reconciliation:resolve",
		Entity:   "invoice_reconciliation",
		EntityID: rowID.String(),
		Before:   map[string]any{"status": string(before.Status)},
		After:    map[string]any{"status": string(after.Status), "notes": after.ResolutionNotes},
		Meta:     map[string]any{"invoice_id": after.InvoiceID.String(), "invoice_status": string(invoiceStatus)},
	})
	return after, nil
}

// AutoReconcile resolves the discrepancies of pending invoices whose every
// discrepancy is within tolerancePct of its expected amount.
func (s *Service) AutoReconcile(ctx context.Context, warehouseID int64, tolerancePct decimal.Decimal, actorID int64) (AutoResult, error) {
	if tolerancePct.IsNegative() {
		return AutoResult{}, fmt.Errorf("%w: tolerance must not be negative", ErrInvalidInput)
	}
	invoices, err := s.repo.ListInvoices(ctx, InvoiceFilter{WarehouseID: &warehouseID, Statuses: []InvoiceStatus{InvoicePending}})
	if err != nil {
		return AutoResult{}, err
	}
	result := AutoResult{Processed: len(invoices)}
	note := fmt.Sprintf("Auto-reconciled: variance within %s%% tolerance", tolerancePct.String())
	for _, inv := range invoices {
		rows, err := s.repo.ListRows(ctx, inv.ID)
		if err != nil {
			return result, err
		}
		var open []Row
		within := true
		for _, r := range rows {
			if !r.Status.Discrepancy() {
				continue
			}
			open = append(open, r)
			if VariancePercent(r).GreaterThan(tolerancePct) {
				within = false
				break
			}
		}
		if !within || len(open) == 0 {
			continue
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.LockInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			if locked.Status != InvoicePending {
				return nil
			}
			now := s.now().UTC()
			for _, r := range open {
				r.Status = StatusResolved
				r.ResolutionNotes = note
				r.ResolvedAt = &now
				if actorID > 0 {
					actor := actorID
					r.ResolvedByID = &actor
				}
				if err := tx.UpdateRow(ctx, r); err != nil {
					return err
				}
			}
			return tx.UpdateInvoiceStatus(ctx, inv.ID, InvoiceReconciled, locked.Notes)
		})
		if err != nil {
			return result, fmt.Errorf("auto reconcile %s: %w", inv.InvoiceNumber, err)
		}
		result.Reconciled++
		result.RowsResolved += len(open)
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   "reconciliation:auto",
		Entity:   "warehouse",
		EntityID: fmt.Sprintf("%d", warehouseID),
		Meta:     map[string]any{"tolerance_pct": tolerancePct.String(), "processed": result.Processed, "reconciled": result.Reconciled},
	})
	return result, nil
}

// InvoiceSummary returns an invoice with its rows and tallies.
func (s *Service) InvoiceSummary(ctx context.Context, invoiceID uuid.UUID) (InvoiceSummary, error) {
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceSummary{}, err
	}
	rows, err := s.repo.ListRows(ctx, invoiceID)
	if err != nil {
		return InvoiceSummary{}, err
	}
	out := InvoiceSummary{Invoice: invoice, Rows: rows}
	for _, r := range rows {
		out.Counts.add(r)
	}
	return out, nil
}

// PeriodReport tallies every invoice of a warehouse whose period starts in period.
func (s *Service) PeriodReport(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (PeriodReport, error) {
	invoices, err := s.repo.ListInvoices(ctx, InvoiceFilter{WarehouseID: &warehouseID, From: period.Start, To: period.End})
	if err != nil {
		return PeriodReport{}, err
	}
	report := PeriodReport{WarehouseID: warehouseID, Period: period, InvoiceCount: len(invoices), Invoices: []InvoiceReport{}}
	for _, inv := range invoices {
		rows, err := s.repo.ListRows(ctx, inv.ID)
		if err != nil {
			return PeriodReport{}, err
		}
		line := InvoiceReport{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, TotalAmount: inv.TotalAmount, Status: inv.Status}
		for _, r := range rows {
			line.Counts.add(r)
		}
		report.TotalInvoiced = report.TotalInvoiced.Add(inv.TotalAmount)
		report.Counts.merge(line.Counts)
		report.Invoices = append(report.Invoices, line)
	}
	return report, nil
}
