package costing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/shared"
)

// Handler exposes cost aggregation over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/summary", h.handleSummary)
	r.Get("/aggregate", h.handleAggregate)
	r.Get("/ledger", h.handleLedger)
	r.Get("/costs", h.handleCosts)
	r.Post("/generate", h.handleGenerate)
	r.Post("/accessorials", h.handleAccessorial)
}

// scope reads the mandatory warehouse_id and period query parameters.
func scope(r *http.Request) (int64, shared.BillingPeriod, error) {
	wh, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		return 0, shared.BillingPeriod{}, err
	}
	if wh == nil {
		return 0, shared.BillingPeriod{}, fmt.Errorf("%w: warehouse_id required", httpx.ErrValidation)
	}
	period, err := shared.PeriodFromMonth(r.URL.Query().Get("period"))
	if err != nil {
		return 0, shared.BillingPeriod{}, HTTPError(err)
	}
	return *wh, period, nil
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := HTTPError(err)
	if !errors.Is(mapped, httpx.ErrValidation) && !errors.Is(mapped, httpx.ErrNotFound) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	wh, period, err := scope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines, err := h.service.Summary(r.Context(), wh, period)
	if err != nil {
		h.fail(w, "cost summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period": period, "lines": lines})
}

type aggregateResponse struct {
	Period shared.BillingPeriod `json:"period"`
	Lines  []AggregatedCost     `json:"lines"`
	Total  money.Money          `json:"total"`
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	wh, period, err := scope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines, err := h.service.CalculateAllCosts(r.Context(), wh, period)
	if err != nil {
		h.fail(w, "aggregate costs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateResponse{Period: period, Lines: lines, Total: Total(lines)})
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	wh, period, err := scope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ledger, err := h.service.CostLedger(r.Context(), wh, period, GroupBy(r.URL.Query().Get("group_by")))
	if err != nil {
		h.fail(w, "cost ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger)
}

func (h *Handler) handleCosts(w http.ResponseWriter, r *http.Request) {
	var filter CostFilter
	wh, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if wh != nil {
		filter.WarehouseID = *wh
	}
	if filter.From, err = httpx.QueryDate(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryDate(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if raw := r.URL.Query().Get("category"); raw != "" {
		category, ok := masterdata.ParseCategory(raw)
		if !ok {
			httpx.RespondError(w, fmt.Errorf("%w: unknown category %q", httpx.ErrValidation, raw))
			return
		}
		filter.Category = category
	}
	costs, err := h.service.Costs(r.Context(), filter)
	if err != nil {
		h.fail(w, "list costs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, costs)
}

type generateRequest struct {
	WarehouseID int64  `json:"warehouse_id"`
	Period      string `json:"period"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := shared.PeriodFromMonth(req.Period)
	if err != nil {
		httpx.RespondError(w, HTTPError(err))
		return
	}
	result, err := h.service.GenerateTransactionCosts(r.Context(), req.WarehouseID, period, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "generate transaction costs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type accessorialRequest struct {
	WarehouseID int64           `json:"warehouse_id"`
	SKUID       *int64          `json:"sku_id"`
	BatchLot    string          `json:"batch_lot"`
	Name        string          `json:"name"`
	Reference   string          `json:"reference"`
	Date        string          `json:"date"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        money.Money     `json:"rate"`
	Notes       string          `json:"notes"`
}

func (h *Handler) handleAccessorial(w http.ResponseWriter, r *http.Request) {
	var req accessorialRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, err := time.Parse(shared.DateLayout, req.Date)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: date must be yyyy-mm-dd", httpx.ErrValidation))
		return
	}
	cost, err := h.service.RecordAccessorial(r.Context(), AccessorialInput{
		WarehouseID: req.WarehouseID,
		SKUID:       req.SKUID,
		BatchLot:    req.BatchLot,
		Name:        req.Name,
		Reference:   req.Reference,
		Date:        date,
		Quantity:    req.Quantity,
		Rate:        req.Rate,
		Notes:       req.Notes,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "record accessorial", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cost)
}

// HTTPError tags costing errors with the httpx class they surface as.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidGrouping), errors.Is(err, shared.ErrInvalidPeriod):
		return httpx.Tag(httpx.ErrValidation, err)
	case errors.Is(err, masterdata.ErrWarehouseNotFound):
		return httpx.Tag(httpx.ErrNotFound, err)
	}
	return err
}
