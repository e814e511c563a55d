package masterdata

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/shared"
)

// Handler manages master data endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses", h.listWarehouses)
	r.Post("/warehouses", h.createWarehouse)
	r.Get("/warehouses/{id}", h.showWarehouse)
	r.Post("/warehouses/{id}/deactivate", h.deactivateWarehouse)
	r.Get("/warehouses/{id}/rates", h.listRates)

	r.Post("/skus", h.createSKU)
	r.Get("/skus/{id}", h.showSKU)
	r.Post("/skus/{id}/units-per-carton", h.updateUnitsPerCarton)

	r.Post("/rates", h.createRate)
	r.Post("/sku-configs", h.createSKUConfig)
}

func pathInt64(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	d, err := time.Parse(shared.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be yyyy-mm-dd", httpx.ErrValidation, field)
	}
	return d, nil
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	mapped := HTTPError(err)
	if !errors.Is(mapped, httpx.ErrValidation) && !errors.Is(mapped, httpx.ErrNotFound) && !errors.Is(mapped, httpx.ErrConflict) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.service.Warehouses(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.fail(w, "list warehouses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, warehouses)
}

func (h *Handler) createWarehouse(w http.ResponseWriter, r *http.Request) {
	var input WarehouseInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	wh, err := h.service.CreateWarehouse(r.Context(), input, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "create warehouse", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wh)
}

func (h *Handler) showWarehouse(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	wh, err := h.service.Warehouse(r.Context(), id)
	if err != nil {
		h.fail(w, "show warehouse", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wh)
}

func (h *Handler) deactivateWarehouse(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeactivateWarehouse(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "deactivate warehouse", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRates(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	book, err := h.service.RateBook(r.Context(), id)
	if err != nil {
		h.fail(w, "list rates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, book.Rates())
}

func (h *Handler) createSKU(w http.ResponseWriter, r *http.Request) {
	var input SKUInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sku, err := h.service.CreateSKU(r.Context(), input, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "create sku", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sku)
}

func (h *Handler) showSKU(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sku, err := h.service.SKU(r.Context(), id)
	if err != nil {
		h.fail(w, "show sku", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sku)
}

func (h *Handler) updateUnitsPerCarton(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req struct {
		UnitsPerCarton int `json:"units_per_carton"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sku, err := h.service.UpdateUnitsPerCarton(r.Context(), id, req.UnitsPerCarton, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "update units per carton", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sku)
}

type rateRequest struct {
	WarehouseID   int64       `json:"warehouse_id"`
	Category      string      `json:"category"`
	Name          string      `json:"name"`
	Rate          money.Money `json:"rate"`
	UnitOfMeasure string      `json:"unit_of_measure"`
	EffectiveDate string      `json:"effective_date"`
}

func (h *Handler) createRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	effective, err := parseDate("effective_date", req.EffectiveDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rate, err := h.service.CreateRate(r.Context(), RateInput{
		WarehouseID:   req.WarehouseID,
		Category:      CostCategory(req.Category),
		Name:          req.Name,
		Rate:          req.Rate,
		UnitOfMeasure: req.UnitOfMeasure,
		EffectiveDate: effective,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create rate", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rate)
}

type skuConfigRequest struct {
	WarehouseID   int64  `json:"warehouse_id"`
	SKUID         int64  `json:"sku_id"`
	Storage       int    `json:"storage_cartons_per_pallet"`
	Shipping      int    `json:"shipping_cartons_per_pallet"`
	EffectiveDate string `json:"effective_date"`
}

func (h *Handler) createSKUConfig(w http.ResponseWriter, r *http.Request) {
	var req skuConfigRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	effective, err := parseDate("effective_date", req.EffectiveDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cfg, err := h.service.CreateSKUConfig(r.Context(), SKUConfigInput{
		WarehouseID:   req.WarehouseID,
		SKUID:         req.SKUID,
		Storage:       req.Storage,
		Shipping:      req.Shipping,
		EffectiveDate: effective,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create sku config", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cfg)
}

// HTTPError tags master data errors with the httpx class they surface as.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return httpx.Tag(httpx.ErrValidation, err)
	case errors.Is(err, ErrWarehouseNotFound), errors.Is(err, ErrSKUNotFound):
		return httpx.Tag(httpx.ErrNotFound, err)
	case errors.Is(err, ErrRateImmutable):
		return httpx.Tag(httpx.ErrConflict, err)
	}
	return err
}
