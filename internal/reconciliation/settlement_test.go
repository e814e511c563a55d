package reconciliation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/money"
)

func reconciled(t *testing.T, h *harness, number string, lines ...LineItemInput) (Invoice, []Row) {
	t.Helper()
	inv := h.invoice(t, number, 1, lines...)
	_, err := h.svc.ReconcileInvoice(context.Background(), inv.ID, 9)
	require.NoError(t, err)
	rows, err := h.repo.ListRows(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv, rows
}

func countActions(h *harness, action string) int {
	n := 0
	for _, a := range h.audit.actions() {
		if a == action {
			n++
		}
	}
	return n
}

func TestDisputeInvoiceMarksDifferences(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inv, rows := reconciled(t, h, "INV-001", line("Storage", "Pallet Storage", "2500.00"), line("Container", "Container Unloading", "250.00"))

	result, err := h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{Reason: " rate mismatch ", ActorID: 4})
	require.NoError(t, err)
	require.Equal(t, 1, result.DisputedItems)
	require.Equal(t, "500.00", result.DisputedAmount.String())
	require.Equal(t, InvoiceDisputed, result.Invoice.Status)
	require.Equal(t, "1 discrepancies found\nDispute filed 2025-02-03: rate mismatch; 1 items, 500.00 disputed", result.Invoice.Notes)

	after, _ := h.repo.ListRows(ctx, inv.ID)
	require.Equal(t, StatusOverbilled, after[0].Status)
	require.Equal(t, "rate mismatch", after[0].ResolutionNotes)
	require.EqualValues(t, 4, *after[0].ResolvedByID)
	require.Equal(t, rows[1], after[1], "matched rows are left alone")
	require.Equal(t, 1, countActions(h, "reconciliation:invoice_dispute"))

	_, err = h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{Reason: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.DisputeInvoice(ctx, uuid.New(), DisputeInput{Reason: "rate"})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestDisputeListedLines(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inv, rows := reconciled(t, h, "INV-001", line("Storage", "Pallet Storage", "1800.00"), line("Container", "Container Unloading", "250.00"))
	_, others := reconciled(t, h, "INV-002", line("Storage", "Pallet Storage", "2000.00"))
	suggested := money.MustParse("2000.00")

	result, err := h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{
		Lines: []DisputedLine{{RowID: rows[0].ID, Reason: "missing pallets", SuggestedAmount: &suggested}},
		Notes: "call the site manager",
	})
	require.NoError(t, err)
	require.Equal(t, "200.00", result.DisputedAmount.String())
	require.Contains(t, result.Invoice.Notes, "see disputed lines; 1 items, 200.00 disputed. call the site manager")

	after, _ := h.repo.ListRows(ctx, inv.ID)
	require.Equal(t, StatusUnderbilled, after[0].Status)
	require.Equal(t, "2000.00", after[0].SuggestedAmount.String())
	require.Nil(t, after[0].ResolvedByID)

	_, err = h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{Lines: []DisputedLine{{RowID: others[0].ID, Reason: "wrong invoice"}}})
	require.ErrorIs(t, err, ErrRowNotFound)
	_, err = h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{Lines: []DisputedLine{{RowID: rows[0].ID}}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAcceptInvoicePaysOutstanding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inv, _ := reconciled(t, h, "INV-001", line("Storage", "Pallet Storage", "2500.00"), line("Container", "Container Unloading", "250.00"))
	_, err := h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("750.00"), Reference: "DEP-1"})
	require.NoError(t, err)

	_, err = h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentReference: "PAY-1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	result, err := h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentMethod: "ACH", PaymentReference: "PAY-1", ActorID: 4})
	require.NoError(t, err)
	require.False(t, result.Idempotent)
	require.Equal(t, 1, result.AcceptedItems)
	require.Zero(t, result.RemainingDisputed)
	require.Equal(t, InvoicePaid, result.Invoice.Status)
	require.Equal(t, "2750.00", result.Invoice.PaidAmount.String())
	require.True(t, result.Invoice.Outstanding().IsZero())

	require.Len(t, h.repo.payments, 2)
	settle := h.repo.payments[1]
	require.Equal(t, "2000.00", settle.Amount.String())
	require.Equal(t, "PAY-1", settle.Reference)
	require.Equal(t, "2025-02-03", settle.PaidOn.Format("2006-01-02"))

	rows, _ := h.repo.ListRows(ctx, inv.ID)
	require.Equal(t, StatusMatch, rows[0].Status)
	require.Equal(t, "Accepted 2025-02-03 via ACH, reference PAY-1", rows[0].ResolutionNotes)

	again, err := h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentMethod: "ACH", PaymentReference: "PAY-1"})
	require.NoError(t, err)
	require.True(t, again.Idempotent)
	require.Len(t, h.repo.payments, 2)
	require.Equal(t, 1, countActions(h, "reconciliation:invoice_accept"))

	_, err = h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentMethod: "ACH", PaymentReference: "PAY-2"})
	require.ErrorIs(t, err, ErrInvoiceClosed)
	_, err = h.svc.DisputeInvoice(ctx, inv.ID, DisputeInput{Reason: "late"})
	require.ErrorIs(t, err, ErrInvoiceClosed)
	_, err = h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("1.00")})
	require.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestAcceptListedRowsLeavesRestDisputed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inv, rows := reconciled(t, h, "INV-001", line("Storage", "Pallet Storage", "2500.00"), line("Container", "Container Unloading", "300.00"))

	partial, err := h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{
		PaymentMethod:    "wire",
		PaymentReference: "W-1",
		PaymentDate:      time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		RowIDs:           []uuid.UUID{rows[1].ID},
	})
	require.NoError(t, err)
	require.Equal(t, 1, partial.AcceptedItems)
	require.Equal(t, 1, partial.RemainingDisputed)
	require.Equal(t, InvoiceDisputed, partial.Invoice.Status)
	require.Contains(t, partial.Invoice.Notes, "Partially accepted 2025-02-10: 1 items remain disputed")
	require.Empty(t, h.repo.payments)

	full, err := h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentMethod: "wire", PaymentReference: "W-1"})
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, full.Invoice.Status)
	require.Len(t, h.repo.payments, 1)
	require.Equal(t, "2800.00", h.repo.payments[0].Amount.String())

	_, err = h.svc.AcceptInvoice(ctx, uuid.New(), AcceptInput{PaymentMethod: "wire", PaymentReference: "W-1"})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestRecordPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inv := h.invoice(t, "INV-001", 1, line("Storage", "Pallet Storage", "2500.00"), line("Container", "Container Unloading", "250.00"))

	first, err := h.svc.RecordPayment(ctx, inv.ID, PaymentInput{
		Amount: money.MustParse("1000.00"), Method: "cheque", Reference: "CHK-1",
		PaidOn: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), ActorID: 4,
	})
	require.NoError(t, err)
	require.Equal(t, InvoicePending, first.Invoice.Status)
	require.Equal(t, "1000.00", first.Invoice.PaidAmount.String())
	require.Equal(t, "1750.00", first.Invoice.Outstanding().String())
	require.EqualValues(t, 4, first.Payment.CreatedByID)

	_, err = h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("5.00"), Reference: "CHK-1"})
	require.ErrorIs(t, err, ErrDuplicatePayment)
	_, err = h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("2000.00")})
	require.ErrorIs(t, err, ErrOverpayment)
	require.Contains(t, err.Error(), "by 250.00")
	_, err = h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("0.004")})
	require.ErrorIs(t, err, ErrInvalidInput)

	last, err := h.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: money.MustParse("1750.004"), Reference: "CHK-2"})
	require.NoError(t, err)
	require.Equal(t, "1750.00", last.Payment.Amount.String())
	require.Equal(t, InvoicePaid, last.Invoice.Status)
	require.Equal(t, 2, countActions(h, "reconciliation:payment"))

	replay, err := h.svc.AcceptInvoice(ctx, inv.ID, AcceptInput{PaymentMethod: "cheque", PaymentReference: "CHK-1"})
	require.NoError(t, err)
	require.True(t, replay.Idempotent)
}

func TestRunSkipsSettledInvoices(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	paid := h.invoice(t, "INV-A", 1, line("Storage", "Pallet Storage", "2000.00"))
	disputed := h.invoice(t, "INV-B", 3, line("Storage", "Pallet Storage", "2500.00"))
	_, err := h.svc.RecordPayment(ctx, paid.ID, PaymentInput{Amount: paid.TotalAmount})
	require.NoError(t, err)
	result, err := h.svc.DisputeInvoice(ctx, disputed.ID, DisputeInput{Reason: "rate card not agreed"})
	require.NoError(t, err)
	require.Zero(t, result.DisputedItems)

	summary, err := h.svc.Run(ctx, RunRequest{Period: january(t)})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Invoices)
	require.Equal(t, "INV-B", summary.Outcomes[0].InvoiceNumber)
	require.Equal(t, InvoiceDisputed, summary.Outcomes[0].Status)

	rows, _ := h.repo.ListRows(ctx, paid.ID)
	require.Empty(t, rows)
	got, _ := h.repo.GetInvoice(ctx, paid.ID)
	require.Equal(t, InvoicePaid, got.Status)
}

func TestSettlementRoutes(t *testing.T) {
	h := newHarness(t, nil)
	inv, _ := reconciled(t, h, "INV-001", line("Storage", "Pallet Storage", "2500.00"), line("Container", "Container Unloading", "250.00"))
	open := h.invoice(t, "INV-002", 1, line("Storage", "Pallet Storage", "100.00"))
	router := chi.NewRouter()
	NewHandler(slogDiscard(), h.svc).MountRoutes(router)
	settled := "/invoices/" + inv.ID.String()
	pending := "/invoices/" + open.ID.String()

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		want   string
	}{
		{"dispute needs a reason", settled + "/dispute", `{}`, http.StatusBadRequest, ""},
		{"dispute", settled + "/dispute", `{"reason":"rate mismatch"}`, http.StatusOK, `"disputed_items":1`},
		{"dispute unknown invoice", "/invoices/" + uuid.NewString() + "/dispute", `{"reason":"x"}`, http.StatusNotFound, ""},
		{"accept bad date", settled + "/accept", `{"payment_method":"ACH","payment_reference":"P-1","payment_date":"10/02/2025"}`, http.StatusBadRequest, ""},
		{"accept", settled + "/accept", `{"payment_method":"ACH","payment_reference":"P-1","payment_date":"2025-02-10"}`, http.StatusOK, `"status":"paid"`},
		{"accept replay", settled + "/accept", `{"payment_method":"ACH","payment_reference":"P-1"}`, http.StatusOK, `"idempotent":true`},
		{"pay settled invoice", settled + "/payments", `{"amount":"1.00"}`, http.StatusConflict, ""},
		{"overpayment", pending + "/payments", `{"amount":"5000.00"}`, http.StatusUnprocessableEntity, ""},
		{"payment", pending + "/payments", `{"amount":"10.00","reference":"R-1","paid_on":"2025-02-01"}`, http.StatusCreated, `"reference":"R-1"`},
		{"duplicate payment", pending + "/payments", `{"amount":"10.00","reference":"R-1"}`, http.StatusConflict, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, tc.status, rec.Code, "%s: %s", tc.name, rec.Body.String())
		if tc.want != "" {
			require.Contains(t, rec.Body.String(), tc.want, tc.name)
		}
	}
}
