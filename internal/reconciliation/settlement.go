package reconciliation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

// DisputeInvoice moves an invoice to disputed. Listed rows are disputed with
// their own reason; without lines every row with a difference is disputed
// under input.Reason.
// Paid invoices cannot be disputed.
func (s *Service) DisputeInvoice(ctx context.Context, invoiceID uuid.UUID, input DisputeInput) (DisputeResult, error) {
	input.Reason = strings.TrimSpace(input.Reason)
	if err := s.check(input); err != nil {
		return DisputeResult{}, err
	}
	if input.Reason == "" && len(input.Lines) == 0 {
		return DisputeResult{}, fmt.Errorf("%w: reason or lines required", ErrInvalidInput)
	}
	var (
		result   DisputeResult
		previous InvoiceStatus
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == InvoicePaid {
			return fmt.Errorf("%w: %s", ErrInvoiceClosed, invoice.InvoiceNumber)
		}
		previous = invoice.Status
		now := s.now().UTC()
		disputed := money.Zero
		mark := func(row Row, reason string, suggested *money.Money) error {
			row.Status = disputedStatus(row)
			row.ResolutionNotes = reason
			row.SuggestedAmount = suggested
			row.ResolvedByID = actorRef(input.ActorID)
			row.ResolvedAt = &now
			disputed = disputed.Add(row.Difference.Abs())
			result.DisputedItems++
			return tx.UpdateRow(ctx, row)
		}
		if len(input.Lines) > 0 {
			for _, line := range input.Lines {
				row, err := tx.LockRow(ctx, line.RowID)
				if err != nil {
					return err
				}
				if row.InvoiceID != invoiceID {
					return fmt.Errorf("%w: %s is not a row of %s", ErrRowNotFound, line.RowID, invoice.InvoiceNumber)
				}
				if err := mark(row, strings.TrimSpace(line.Reason), line.SuggestedAmount); err != nil {
					return err
				}
			}
		} else {
			rows, err := tx.LockRows(ctx, invoiceID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if row.Difference.IsZero() {
					continue
				}
				if err := mark(row, input.Reason, nil); err != nil {
					return err
				}
			}
		}

		reason := input.Reason
		if reason == "" {
			reason = "see disputed lines"
		}
		note := fmt.Sprintf("Dispute filed %s: %s; %d items, %s disputed",
			now.Format(shared.DateLayout), reason, result.DisputedItems, disputed.String())
		invoice.Status = InvoiceDisputed
		invoice.Notes = appendNote(invoice.Notes, withNotes(note, input.Notes))
		if err := tx.UpdateInvoiceStatus(ctx, invoiceID, invoice.Status, invoice.Notes); err != nil {
			return err
		}
		result.Invoice = invoice
		result.DisputedAmount = disputed
		return nil
	})
	if err != nil {
		return DisputeResult{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "reconciliation:invoice_dispute",
		Entity:   "invoice",
		EntityID: invoiceID.String(),
		Before:   map[string]any{"status": string(previous)},
		After:    map[string]any{"status": string(InvoiceDisputed)},
		Meta: map[string]any{
			"reason":          input.Reason,
			"disputed_items":  result.DisputedItems,
			"disputed_amount": result.DisputedAmount.String(),
		},
	})
	return result, nil
}

// AcceptInvoice accepts an invoice for payment. Accepted rows become
// matches; when no discrepancy remains the outstanding amount is recorded as
// a payment and the invoice is paid, otherwise it stays disputed. Accepting a
// paid invoice again under the same reference is a no-op.
func (s *Service) AcceptInvoice(ctx context.Context, invoiceID uuid.UUID, input AcceptInput) (AcceptResult, error) {
	input.PaymentMethod = strings.TrimSpace(input.PaymentMethod)
	input.PaymentReference = strings.TrimSpace(input.PaymentReference)
	if err := s.check(input); err != nil {
		return AcceptResult{}, err
	}
	if input.PaymentDate.IsZero() {
		input.PaymentDate = shared.DateOf(s.now())
	}
	var (
		result   AcceptResult
		previous InvoiceStatus
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == InvoicePaid {
			same, err := tx.HasPaymentReference(ctx, invoiceID, input.PaymentReference)
			if err != nil {
				return err
			}
			if !same {
				return fmt.Errorf("%w: %s was paid under another reference", ErrInvoiceClosed, invoice.InvoiceNumber)
			}
			result.Invoice = invoice
			result.Idempotent = true
			return nil
		}
		previous = invoice.Status
		now := s.now().UTC()
		note := fmt.Sprintf("Accepted %s via %s, reference %s",
			input.PaymentDate.Format(shared.DateLayout), input.PaymentMethod, input.PaymentReference)
		accept := func(row Row) error {
			row.Status = StatusMatch
			row.ResolutionNotes = note
			row.ResolvedByID = actorRef(input.ActorID)
			row.ResolvedAt = &now
			result.AcceptedItems++
			return tx.UpdateRow(ctx, row)
		}
		if len(input.RowIDs) > 0 {
			for _, id := range input.RowIDs {
				row, err := tx.LockRow(ctx, id)
				if err != nil {
					return err
				}
				if row.InvoiceID != invoiceID {
					return fmt.Errorf("%w: %s is not a row of %s", ErrRowNotFound, id, invoice.InvoiceNumber)
				}
				if err := accept(row); err != nil {
					return err
				}
			}
		} else {
			rows, err := tx.LockRows(ctx, invoiceID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if !row.Status.Discrepancy() {
					continue
				}
				if err := accept(row); err != nil {
					return err
				}
			}
		}

		remaining, err := tx.CountUnresolved(ctx, invoiceID)
		if err != nil {
			return err
		}
		result.RemainingDisputed = remaining
		if remaining > 0 {
			invoice.Status = InvoiceDisputed
			partial := fmt.Sprintf("Partially accepted %s: %d items remain disputed", input.PaymentDate.Format(shared.DateLayout), remaining)
			invoice.Notes = appendNote(invoice.Notes, withNotes(partial, input.Notes))
			result.Invoice = invoice
			return tx.UpdateInvoiceStatus(ctx, invoiceID, invoice.Status, invoice.Notes)
		}

		if outstanding := invoice.Outstanding(); outstanding.IsPositive() {
			err := tx.InsertPayment(ctx, Payment{
				ID:          uuid.New(),
				InvoiceID:   invoiceID,
				Amount:      outstanding,
				PaidOn:      input.PaymentDate,
				Method:      input.PaymentMethod,
				Reference:   input.PaymentReference,
				CreatedByID: input.ActorID,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
		}
		invoice.PaidAmount = invoice.TotalAmount
		invoice.Status = InvoicePaid
		invoice.Notes = appendNote(invoice.Notes, withNotes(note, input.Notes))
		result.Invoice = invoice
		return tx.UpdateInvoicePaid(ctx, invoiceID, invoice.PaidAmount, invoice.Status, invoice.Notes)
	})
	if err != nil {
		return AcceptResult{}, err
	}
	if result.Idempotent {
		return result, nil
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "reconciliation:invoice_accept",
		Entity:   "invoice",
		EntityID: invoiceID.String(),
		Before:   map[string]any{"status": string(previous)},
		After:    map[string]any{"status": string(result.Invoice.Status), "paid_amount": result.Invoice.PaidAmount.String()},
		Meta: map[string]any{
			"payment_method":     input.PaymentMethod,
			"payment_reference":  input.PaymentReference,
			"accepted_items":     result.AcceptedItems,
			"remaining_disputed": result.RemainingDisputed,
		},
	})
	return result, nil
}

// RecordPayment applies a payment to an invoice under its lock. A payment
// that would exceed the total is rejected; the invoice is paid once the
// payments reach the total.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, input PaymentInput) (PaymentResult, error) {
	input.Method = strings.TrimSpace(input.Method)
	input.Reference = strings.TrimSpace(input.Reference)
	if err := s.check(input); err != nil {
		return PaymentResult{}, err
	}
	amount := input.Amount.Round()
	if !amount.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if input.PaidOn.IsZero() {
		input.PaidOn = shared.DateOf(s.now())
	}
	var (
		result PaymentResult
		before Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == InvoicePaid {
			return fmt.Errorf("%w: %s", ErrInvoiceClosed, invoice.InvoiceNumber)
		}
		if input.Reference != "" {
			seen, err := tx.HasPaymentReference(ctx, invoiceID, input.Reference)
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: %s", ErrDuplicatePayment, input.Reference)
			}
		}
		before = invoice
		paid := invoice.PaidAmount.Add(amount)
		if paid.GreaterThan(invoice.TotalAmount) {
			return fmt.Errorf("%w: by %s", ErrOverpayment, paid.Sub(invoice.TotalAmount).String())
		}
		payment := Payment{
			ID:          uuid.New(),
			InvoiceID:   invoiceID,
			Amount:      amount,
			PaidOn:      input.PaidOn,
			Method:      input.Method,
			Reference:   input.Reference,
			CreatedByID: input.ActorID,
			CreatedAt:   s.now().UTC(),
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		invoice.PaidAmount = paid
		if paid.Equal(invoice.TotalAmount) {
			invoice.Status = InvoicePaid
		}
		if err := tx.UpdateInvoicePaid(ctx, invoiceID, invoice.PaidAmount, invoice.Status, invoice.Notes); err != nil {
			return err
		}
		result = PaymentResult{Payment: payment, Invoice: invoice}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "reconciliation:payment",
		Entity:   "invoice",
		EntityID: invoiceID.String(),
		Before:   map[string]any{"status": string(before.Status), "paid_amount": before.PaidAmount.String()},
		After:    map[string]any{"status": string(result.Invoice.Status), "paid_amount": result.Invoice.PaidAmount.String()},
		Meta:     map[string]any{"amount": amount.String(), "reference": input.Reference},
	})
	return result, nil
}

// disputedStatus reopens a row on the side its difference falls.
func disputedStatus(row Row) RowStatus {
	if row.Difference.IsNegative() {
		return StatusUnderbilled
	}
	return StatusOverbilled
}

func actorRef(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func appendNote(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}

func withNotes(note, extra string) string {
	if extra = strings.TrimSpace(extra); extra != "" {
		return note + ". " + extra
	}
	return note
}
