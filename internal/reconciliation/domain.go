// Package reconciliation compares billed invoices with the expected charges
// of their billing period.
package reconciliation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

var (
	// ErrInvoiceNotFound indicates an unknown invoice id.
	ErrInvoiceNotFound = errors.New("reconciliation: invoice not found")
	// ErrRowNotFound indicates an unknown reconciliation row id.
	ErrRowNotFound = errors.New("reconciliation: row not found")
	// ErrInvalidInput marks rejected input.
	ErrInvalidInput = errors.New("reconciliation: invalid input")
	// ErrDuplicateInvoice marks a reused invoice number.
	ErrDuplicateInvoice = errors.New("reconciliation: duplicate invoice number")
	// ErrInvoiceClosed rejects changes to a paid invoice.
	ErrInvoiceClosed = errors.New("reconciliation: invoice already paid")
	// ErrOverpayment rejects a payment beyond the invoice total.
	ErrOverpayment = errors.New("reconciliation: payment exceeds invoice total")
	// ErrDuplicatePayment marks a payment reference already recorded on the invoice.
	ErrDuplicatePayment = errors.New("reconciliation: duplicate payment reference")
)

// InvoiceStatus is the billing lifecycle of an invoice.
type InvoiceStatus string

const (
	InvoicePending    InvoiceStatus = "pending"
	InvoiceReconciled InvoiceStatus = "reconciled"
	InvoiceDisputed   InvoiceStatus = "disputed"
	InvoicePaid       InvoiceStatus = "paid"
)

// RowStatus classifies one reconciliation row.
type RowStatus string

const (
	StatusMatch       RowStatus = "match"
	StatusOverbilled  RowStatus = "overbilled"
	StatusUnderbilled RowStatus = "underbilled"
	StatusResolved    RowStatus = "resolved"
)

// Discrepancy reports a row still awaiting review.
func (s RowStatus) Discrepancy() bool {
	return s == StatusOverbilled || s == StatusUnderbilled
}

// Invoice is a warehouse bill for one billing period.
type Invoice struct {
	ID                 uuid.UUID     `json:"id"`
	InvoiceNumber      string        `json:"invoice_number"`
	WarehouseID        int64         `json:"warehouse_id"`
	BillingPeriodStart time.Time     `json:"billing_period_start"`
	BillingPeriodEnd   time.Time     `json:"billing_period_end"`
	TotalAmount        money.Money   `json:"total_amount"`
	PaidAmount         money.Money   `json:"paid_amount"`
	Status             InvoiceStatus `json:"status"`
	Notes              string        `json:"notes"`
	LineItems          []LineItem    `json:"line_items"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Outstanding is the unpaid part of the total.
func (i Invoice) Outstanding() money.Money {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// Period returns the billing period the invoice covers.
func (i Invoice) Period() shared.BillingPeriod {
	return shared.BillingPeriod{Start: i.BillingPeriodStart, End: i.BillingPeriodEnd}
}

// LineItem is one billed charge.
type LineItem struct {
	ID       uuid.UUID               `json:"id"`
	LineNo   int                     `json:"line_no"`
	Category masterdata.CostCategory `json:"category"`
	Name     string                  `json:"name"`
	Quantity decimal.Decimal         `json:"quantity"`
	UnitRate money.Money             `json:"unit_rate"`
	Amount   money.Money             `json:"amount"`
}

// Row compares one billed or expected charge.
type Row struct {
	ID               uuid.UUID               `json:"id"`
	InvoiceID        uuid.UUID               `json:"invoice_id"`
	Category         masterdata.CostCategory `json:"category"`
	Name             string                  `json:"name"`
	ExpectedAmount   money.Money             `json:"expected_amount"`
	InvoicedAmount   money.Money             `json:"invoiced_amount"`
	Difference       money.Money             `json:"difference"`
	ExpectedQuantity *decimal.Decimal        `json:"expected_quantity,omitempty"`
	InvoicedQuantity *decimal.Decimal        `json:"invoiced_quantity,omitempty"`
	UnitRate         *money.Money            `json:"unit_rate,omitempty"`
	Status           RowStatus               `json:"status"`
	ResolutionNotes  string                  `json:"resolution_notes,omitempty"`
	SuggestedAmount  *money.Money            `json:"suggested_amount,omitempty"`
	ResolvedByID     *int64                  `json:"resolved_by_id,omitempty"`
	ResolvedAt       *time.Time              `json:"resolved_at,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// InvoiceInput creates an invoice.
type InvoiceInput struct {
	InvoiceNumber string          `json:"invoice_number" validate:"required,max=100"`
	WarehouseID   int64           `json:"warehouse_id" validate:"required,gt=0"`
	Period        string          `json:"period" validate:"required"`
	TotalAmount   *money.Money    `json:"total_amount"`
	Notes         string          `json:"notes" validate:"max=1000"`
	LineItems     []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
	ActorID       int64           `json:"-"`
}

// LineItemInput is one billed charge on an InvoiceInput.
type LineItemInput struct {
	Category string          `json:"category" validate:"required"`
	Name     string          `json:"name" validate:"required,max=200"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitRate money.Money     `json:"unit_rate"`
	Amount   money.Money     `json:"amount"`
}

// InvoiceFilter selects invoices whose period starts in [From, To].
type InvoiceFilter struct {
	WarehouseID *int64
	From        time.Time
	To          time.Time
	Statuses    []InvoiceStatus
}

// InvoiceOutcome reports one invoice of a run.
type InvoiceOutcome struct {
	InvoiceID     uuid.UUID     `json:"invoice_id"`
	InvoiceNumber string        `json:"invoice_number"`
	Skipped       bool          `json:"skipped"`
	Rows          int           `json:"rows"`
	Discrepancies int           `json:"discrepancies"`
	Status        InvoiceStatus `json:"status"`
	StatusChanged bool          `json:"status_changed"`
}

// RunRequest scopes a reconciliation run. A nil Period means the current
// billing period.
type RunRequest struct {
	WarehouseID *int64
	Period      *shared.BillingPeriod
	ActorID     int64
}

// Failure is an invoice a run could not process.
type Failure struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Error         string    `json:"error"`
}

// RunSummary reports a reconciliation run.
type RunSummary struct {
	RunID       string               `json:"run_id"`
	Period      shared.BillingPeriod `json:"period"`
	Invoices    int                  `json:"invoices"`
	Processed   int                  `json:"processed"`
	Skipped     int                  `json:"skipped"`
	RowsCreated int                  `json:"rows_created"`
	Reconciled  int                  `json:"reconciled"`
	Outcomes    []InvoiceOutcome     `json:"outcomes"`
	Failures    []Failure            `json:"failures"`
}

// ResolveInput closes a discrepancy by hand.
type ResolveInput struct {
	Status          RowStatus    `json:"status" validate:"required"`
	Notes           string       `json:"notes" validate:"max=2000"`
	SuggestedAmount *money.Money `json:"suggested_amount"`
	ActorID         int64        `json:"-"`
}

// Counts tallies rows by status.
type Counts struct {
	Total         int         `json:"total"`
	Matched       int         `json:"matched"`
	Overbilled    int         `json:"overbilled"`
	Underbilled   int         `json:"underbilled"`
	Resolved      int         `json:"resolved"`
	TotalExpected money.Money `json:"total_expected"`
	TotalInvoiced money.Money `json:"total_invoiced"`
	TotalVariance money.Money `json:"total_variance"`
}

func (c *Counts) add(r Row) {
	c.Total++
	switch r.Status {
	case StatusMatch:
		c.Matched++
	case StatusOverbilled:
		c.Overbilled++
	case StatusUnderbilled:
		c.Underbilled++
	case StatusResolved:
		c.Resolved++
	}
	c.TotalExpected = c.TotalExpected.Add(r.ExpectedAmount)
	c.TotalInvoiced = c.TotalInvoiced.Add(r.InvoicedAmount)
	c.TotalVariance = c.TotalVariance.Add(r.Difference.Abs())
}

func (c *Counts) merge(o Counts) {
	c.Total += o.Total
	c.Matched += o.Matched
	c.Overbilled += o.Overbilled
	c.Underbilled += o.Underbilled
	c.Resolved += o.Resolved
	c.TotalExpected = c.TotalExpected.Add(o.TotalExpected)
	c.TotalInvoiced = c.TotalInvoiced.Add(o.TotalInvoiced)
	c.TotalVariance = c.TotalVariance.Add(o.TotalVariance)
}

// InvoiceSummary is an invoice with its rows and their tallies.
type InvoiceSummary struct {
	Invoice Invoice `json:"invoice"`
	Rows    []Row   `json:"rows"`
	Counts  Counts  `json:"counts"`
}

// InvoiceReport is one invoice line of a PeriodReport.
type InvoiceReport struct {
	InvoiceID     uuid.UUID     `json:"invoice_id"`
	InvoiceNumber string        `json:"invoice_number"`
	TotalAmount   money.Money   `json:"total_amount"`
	Status        InvoiceStatus `json:"status"`
	Counts        Counts        `json:"counts"`
}

// PeriodReport summarises every invoice of a warehouse period.
type PeriodReport struct {
	WarehouseID   int64                `json:"warehouse_id"`
	Period        shared.BillingPeriod `json:"period"`
	InvoiceCount  int                  `json:"invoice_count"`
	TotalInvoiced money.Money          `json:"total_invoiced"`
	Counts        Counts               `json:"counts"`
	Invoices      []InvoiceReport      `json:"invoices"`
}

// AutoResult reports an auto-reconciliation pass.
type AutoResult struct {
	Processed    int `json:"processed"`
	Reconciled   int `json:"reconciled"`
	RowsResolved int `json:"rows_resolved"`
}

// DisputedLine challenges one reconciliation row.
type DisputedLine struct {
	RowID           uuid.UUID    `json:"row_id" validate:"required"`
	Reason          string       `json:"reason" validate:"required,max=2000"`
	SuggestedAmount *money.Money `json:"suggested_amount"`
}

// DisputeInput disputes listed rows, or every row under Reason when Lines
// is empty.
type DisputeInput struct {
	Reason  string         `json:"reason" validate:"max=2000"`
	Lines   []DisputedLine `json:"lines" validate:"dive"`
	Notes   string         `json:"notes" validate:"max=2000"`
	ActorID int64          `json:"-"`
}

// DisputeResult reports a filed dispute.
type DisputeResult struct {
	Invoice        Invoice     `json:"invoice"`
	DisputedItems  int         `json:"disputed_items"`
	DisputedAmount money.Money `json:"disputed_amount"`
}

// AcceptInput accepts an invoice for payment. With RowIDs only those rows
// are accepted; the rest stay disputed.
type AcceptInput struct {
	PaymentMethod    string      `json:"payment_method" validate:"required,max=50"`
	PaymentReference string      `json:"payment_reference" validate:"required,max=200"`
	PaymentDate      time.Time   `json:"-"`
	RowIDs           []uuid.UUID `json:"row_ids"`
	Notes            string      `json:"notes" validate:"max=2000"`
	ActorID          int64       `json:"-"`
}

// AcceptResult reports an acceptance.
type AcceptResult struct {
	Invoice           Invoice `json:"invoice"`
	AcceptedItems     int     `json:"accepted_items"`
	RemainingDisputed int     `json:"remaining_disputed"`
	// Idempotent is set when the invoice was already paid under the same reference.
	Idempotent bool `json:"idempotent"`
}

// PaymentInput records money paid against an invoice.
type PaymentInput struct {
	Amount    money.Money `json:"amount"`
	Method    string      `json:"method" validate:"max=50"`
	Reference string      `json:"reference" validate:"max=200"`
	PaidOn    time.Time   `json:"-"`
	ActorID   int64       `json:"-"`
}

// Payment is money received against an invoice.
type Payment struct {
	ID          uuid.UUID   `json:"id"`
	InvoiceID   uuid.UUID   `json:"invoice_id"`
	Amount      money.Money `json:"amount"`
	PaidOn      time.Time   `json:"paid_on"`
	Method      string      `json:"method"`
	Reference   string      `json:"reference"`
	CreatedByID int64       `json:"created_by_id"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PaymentResult is a recorded payment and the invoice after it.
type PaymentResult struct {
	Payment Payment `json:"payment"`
	Invoice Invoice `json:"invoice"`
}
