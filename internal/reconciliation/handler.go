package reconciliation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/shared"
)

// Handler exposes invoice reconciliation over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/run", h.handleRun)
	r.Post("/invoices", h.handleCreateInvoice)
	r.Get("/invoices/{id}", h.handleInvoice)
	r.Post("/invoices/{id}/reconcile", h.handleReconcileInvoice)
	r.Post("/invoices/{id}/dispute", h.handleDispute)
	r.Post("/invoices/{id}/accept", h.handleAccept)
	r.Post("/invoices/{id}/payments", h.handlePayment)
	r.Post("/rows/{id}/resolve", h.handleResolve)
	r.Post("/auto", h.handleAuto)
	r.Get("/report", h.handleReport)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := HTTPError(err)
	if !errors.Is(mapped, httpx.ErrValidation) && !errors.Is(mapped, httpx.ErrNotFound) && !errors.Is(mapped, httpx.ErrConflict) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	}
	return id, nil
}

type runRequest struct {
	WarehouseID *int64 `json:"warehouse_id"`
	Period      string `json:"period"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	run := RunRequest{WarehouseID: req.WarehouseID, ActorID: shared.ActorFromContext(r.Context())}
	if req.Period != "" {
		period, err := shared.PeriodFromMonth(req.Period)
		if err != nil {
			httpx.RespondError(w, HTTPError(err))
			return
		}
		run.Period = &period
	}
	summary, err := h.service.Run(r.Context(), run)
	if err != nil {
		h.fail(w, "reconciliation run", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var input InvoiceInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	invoice, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoice)
}

func (h *Handler) handleInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.InvoiceSummary(r.Context(), id)
	if err != nil {
		h.fail(w, "invoice summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	outcome, err := h.service.ReconcileInvoice(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "reconcile invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

type resolveRequest struct {
	Status          RowStatus    `json:"status"`
	Notes           string       `json:"notes"`
	SuggestedAmount *money.Money `json:"suggested_amount"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Status == "" {
		req.Status = StatusResolved
	}
	row, err := h.service.ResolveRow(r.Context(), id, ResolveInput{
		Status:          req.Status,
		Notes:           req.Notes,
		SuggestedAmount: req.SuggestedAmount,
		ActorID:         shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "resolve row", err)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input DisputeInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	result, err := h.service.DisputeInvoice(r.Context(), id, input)
	if err != nil {
		h.fail(w, "dispute invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type acceptRequest struct {
	AcceptInput
	PaymentDate string `json:"payment_date"`
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req acceptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := req.AcceptInput
	if input.PaymentDate, err = parseDate("payment_date", req.PaymentDate); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	result, err := h.service.AcceptInvoice(r.Context(), id, input)
	if err != nil {
		h.fail(w, "accept invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type paymentRequest struct {
	PaymentInput
	PaidOn string `json:"paid_on"`
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := req.PaymentInput
	if input.PaidOn, err = parseDate("paid_on", req.PaidOn); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	result, err := h.service.RecordPayment(r.Context(), id, input)
	if err != nil {
		h.fail(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

// parseDate reads an optional yyyy-mm-dd body field.
func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(shared.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be yyyy-mm-dd", httpx.ErrValidation, field)
	}
	return t, nil
}

type autoRequest struct {
	WarehouseID  int64            `json:"warehouse_id"`
	TolerancePct *decimal.Decimal `json:"tolerance_pct"`
}

func (h *Handler) handleAuto(w http.ResponseWriter, r *http.Request) {
	var req autoRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.WarehouseID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: warehouse_id required", httpx.ErrValidation))
		return
	}
	tolerance := decimal.NewFromInt(5)
	if req.TolerancePct != nil {
		tolerance = *req.TolerancePct
	}
	result, err := h.service.AutoReconcile(r.Context(), req.WarehouseID, tolerance, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "auto reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	wh, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if wh == nil {
		httpx.RespondError(w, fmt.Errorf("%w: warehouse_id required", httpx.ErrValidation))
		return
	}
	period, err := shared.PeriodFromMonth(r.URL.Query().Get("period"))
	if err != nil {
		httpx.RespondError(w, HTTPError(err))
		return
	}
	report, err := h.service.PeriodReport(r.Context(), *wh, period)
	if err != nil {
		h.fail(w, "reconciliation report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// HTTPError tags reconciliation errors with the httpx class they surface as.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, shared.ErrInvalidPeriod):
		return httpx.Tag(httpx.ErrValidation, err)
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrRowNotFound), errors.Is(err, masterdata.ErrWarehouseNotFound):
		return httpx.Tag(httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateInvoice), errors.Is(err, ErrDuplicatePayment):
		return httpx.Tag(httpx.ErrDuplicate, err)
	case errors.Is(err, shared.ErrRunInProgress), errors.Is(err, ErrInvoiceClosed):
		return httpx.Tag(httpx.ErrConflict, err)
	case errors.Is(err, ErrOverpayment):
		return httpx.Tag(httpx.ErrUnprocessable, err)
	}
	return err
}
