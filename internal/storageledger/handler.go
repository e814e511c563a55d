package storageledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/shared"
)

// Handler exposes storage runs over HTTP.
type Handler struct {
	logger     *slog.Logger
	calculator *Calculator
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, calculator *Calculator) *Handler {
	return &Handler{logger: logger, calculator: calculator}
}

// MountRoutes registers storage ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/calculate", h.handleCalculate)
	r.Get("/", h.handleList)
}

type calculateRequest struct {
	Period      string `json:"period"`
	Start       string `json:"start"`
	End         string `json:"end"`
	WarehouseID *int64 `json:"warehouse_id"`
}

func (r calculateRequest) span() (time.Time, time.Time, error) {
	if r.Period != "" {
		p, err := shared.PeriodFromMonth(r.Period)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return p.Start, p.End, nil
	}
	start, err := time.Parse(shared.DateLayout, r.Start)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	end, err := time.Parse(shared.DateLayout, r.End)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

func (h *Handler) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, end, err := req.span()
	if err != nil {
		httpx.RespondError(w, HTTPError(err))
		return
	}
	result, err := h.calculator.Calculate(r.Context(), start, end, req.WarehouseID)
	if err != nil {
		if !errors.Is(err, ErrInvalidRange) && !errors.Is(err, shared.ErrRunInProgress) {
			h.logger.Error("storage calculation failed", slog.Any("error", err))
		}
		httpx.RespondError(w, HTTPError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		filter Filter
		err    error
	)
	if filter.WarehouseID, err = httpx.QueryInt64(r, "warehouse_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.SKUID, err = httpx.QueryInt64(r, "sku_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if month := r.URL.Query().Get("period"); month != "" {
		if filter.Period, err = shared.PeriodFromMonth(month); err != nil {
			httpx.RespondError(w, HTTPError(err))
			return
		}
	}
	entries, err := h.calculator.Entries(r.Context(), filter)
	if err != nil {
		h.logger.Error("list storage ledger", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

// HTTPError tags storage errors with the httpx class they surface as.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRange), errors.Is(err, shared.ErrInvalidPeriod):
		return httpx.Tag(httpx.ErrValidation, err)
	case errors.Is(err, shared.ErrRunInProgress):
		return httpx.Tag(httpx.ErrConflict, err)
	}
	return err
}
