package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/shared"
)

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.handleRecord)
	r.Get("/transactions", h.handleMovements)
	r.Get("/balances", h.handleBalances)
	r.Get("/balances/{warehouseID}/{skuID}/{batch}", h.handleBalance)
	r.Post("/balances/{warehouseID}/{skuID}/{batch}/rebuild", h.handleRebuild)
	r.Post("/balances/rebuild", h.handleRebuildAll)
}

type recordRequest struct {
	Type                     TransactionType `json:"type"`
	WarehouseID              int64           `json:"warehouse_id"`
	SKUID                    int64           `json:"sku_id"`
	BatchLot                 string          `json:"batch_lot"`
	CartonsIn                int64           `json:"cartons_in"`
	CartonsOut               int64           `json:"cartons_out"`
	TransactionDate          string          `json:"transaction_date"`
	StorageCartonsPerPallet  int             `json:"storage_cartons_per_pallet"`
	ShippingCartonsPerPallet int             `json:"shipping_cartons_per_pallet"`
	StoragePalletsIn         int64           `json:"storage_pallets_in"`
	ShippingPalletsOut       int64           `json:"shipping_pallets_out"`
	ReferenceID              string          `json:"reference_id"`
	ContainerNumber          string          `json:"container_number"`
	TrackingNumber           string          `json:"tracking_number"`
	ShipName                 string          `json:"ship_name"`
	ModeOfTransportation     string          `json:"mode_of_transportation"`
}

type recordResponse struct {
	Transaction Transaction `json:"transaction"`
	Balance     Balance     `json:"balance"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, err := time.Parse(shared.DateLayout, req.TransactionDate)
	if err != nil {
		httpx.RespondError(w, httpx.Tag(httpx.ErrValidation, invalid("transaction_date", "must be yyyy-mm-dd")))
		return
	}
	input := RecordInput{
		Type:        req.Type,
		WarehouseID: req.WarehouseID,
		SKUID:       req.SKUID,
		BatchLot:    req.BatchLot,
		CartonsIn:   req.CartonsIn,
		CartonsOut:  req.CartonsOut,
		Pallets: masterdata.PalletConfig{
			StorageCartonsPerPallet:  req.StorageCartonsPerPallet,
			ShippingCartonsPerPallet: req.ShippingCartonsPerPallet,
		},
		TransactionDate:      date,
		StoragePalletsIn:     req.StoragePalletsIn,
		ShippingPalletsOut:   req.ShippingPalletsOut,
		ReferenceID:          req.ReferenceID,
		ContainerNumber:      req.ContainerNumber,
		TrackingNumber:       req.TrackingNumber,
		ShipName:             req.ShipName,
		ModeOfTransportation: req.ModeOfTransportation,
		IdempotencyKey:       r.Header.Get("Idempotency-Key"),
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	txn, balance, err := h.service.RecordTransaction(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, recordResponse{Transaction: txn, Balance: balance})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	var (
		filter MovementFilter
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
	if filter.From, err = httpx.QueryDate(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryDate(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := queryPage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page == nil {
		httpx.JSON(w, http.StatusOK, list)
		return
	}
	// Totals always cover the whole filter; only the rows are paged.
	p := shared.NewPagination(page.page, page.perPage, len(list.Transactions))
	httpx.JSON(w, http.StatusOK, movementPage{
		Transactions: shared.Window(list.Transactions, p),
		Summary:      list.Summary,
		Pagination:   p,
	})
}

type movementPage struct {
	Transactions []Transaction     `json:"transactions"`
	Summary      MovementSummary   `json:"summary"`
	Pagination   shared.Pagination `json:"pagination"`
}

type pageRequest struct {
	page, perPage int
}

// queryPage reads page and per_page; nil means the caller asked for no paging.
func queryPage(r *http.Request) (*pageRequest, error) {
	page, err := httpx.QueryInt64(r, "page")
	if err != nil {
		return nil, err
	}
	perPage, err := httpx.QueryInt64(r, "per_page")
	if err != nil {
		return nil, err
	}
	if page == nil && perPage == nil {
		return nil, nil
	}
	req := &pageRequest{page: 1}
	if page != nil {
		req.page = int(*page)
	}
	if perPage != nil {
		req.perPage = int(*perPage)
	}
	return req, nil
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	asOf, err := httpx.QueryDate(r, "as_of")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var balances []Balance
	if asOf.IsZero() {
		balances, err = h.service.ActiveBalances(r.Context(), warehouseID)
	} else {
		if warehouseID == nil {
			httpx.RespondError(w, httpx.Tag(httpx.ErrValidation, invalid("warehouse_id", "required with as_of")))
			return
		}
		balances, err = h.service.PointInTimeBalances(r.Context(), *warehouseID, asOf)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balances)
}

type balanceResponse struct {
	Balance
	AsOf        string `json:"as_of,omitempty"`
	CartonsAsOf *int64 `json:"cartons_as_of,omitempty"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	asOf, err := httpx.QueryDate(r, "as_of")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.service.GetCurrentBalance(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := balanceResponse{Balance: balance}
	if !asOf.IsZero() {
		cartons, err := h.service.GetBalanceAsOf(r.Context(), key, asOf)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.AsOf = asOf.Format(shared.DateLayout)
		resp.CartonsAsOf = &cartons
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.service.RebuildBalance(r.Context(), key, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleRebuildAll(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.RebuildAll(r.Context(), warehouseID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func keyFromPath(r *http.Request) (BalanceKey, error) {
	wh, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil {
		return BalanceKey{}, httpx.Tag(httpx.ErrValidation, invalid("warehouse_id", "must be an integer"))
	}
	sku, err := strconv.ParseInt(chi.URLParam(r, "skuID"), 10, 64)
	if err != nil {
		return BalanceKey{}, httpx.Tag(httpx.ErrValidation, invalid("sku_id", "must be an integer"))
	}
	return BalanceKey{WarehouseID: wh, SKUID: sku, BatchLot: chi.URLParam(r, "batch")}, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := HTTPError(err)
	if !errors.Is(mapped, httpx.ErrValidation) && !errors.Is(mapped, httpx.ErrNotFound) &&
		!errors.Is(mapped, httpx.ErrUnprocessable) && !errors.Is(mapped, httpx.ErrDuplicate) {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// HTTPError tags ledger errors with the httpx class they surface as.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, masterdata.ErrInvalidInput):
		return httpx.Tag(httpx.ErrValidation, err)
	case errors.Is(err, ErrInsufficientInventory):
		return httpx.Tag(httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrConcurrencyConflict):
		return httpx.Tag(httpx.ErrUnavailable, err)
	case errors.Is(err, ErrDuplicateRequest):
		return httpx.Tag(httpx.ErrDuplicate, err)
	case errors.Is(err, ErrBalanceNotFound), errors.Is(err, masterdata.ErrWarehouseNotFound), errors.Is(err, masterdata.ErrSKUNotFound):
		return httpx.Tag(httpx.ErrNotFound, err)
	}
	return err
}
