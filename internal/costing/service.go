package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
	"github.com/ledgerwise/wms/internal/storageledger"
)

// MovementsPort lists ledger movements. *inventory.Service satisfies it.
type MovementsPort interface {
	ListMovements(ctx context.Context, filter inventory.MovementFilter) (inventory.MovementList, error)
}

// StoragePort lists weekly storage entries. *storageledger.Calculator satisfies it.
type StoragePort interface {
	Entries(ctx context.Context, filter storageledger.Filter) ([]storageledger.Entry, error)
}

// CatalogPort resolves warehouses and tariffs. *masterdata.Service satisfies it.
type CatalogPort interface {
	Warehouse(ctx context.Context, id int64) (masterdata.Warehouse, error)
	RateBook(ctx context.Context, warehouseID int64) (masterdata.RateBook, error)
}

// RepositoryPort persists calculated costs.
type RepositoryPort interface {
	// InsertCosts writes rows whose id is not yet stored and returns how
	// many were new.
	InsertCosts(ctx context.Context, costs []CalculatedCost) (int, error)
	ListCosts(ctx context.Context, filter CostFilter) ([]CalculatedCost, error)
}

// Config groups optional service settings.
type Config struct {
	Cache  *Cache
	Logger *slog.Logger
	Clock  func() time.Time
}

// Service computes expected charges.
type Service struct {
	movements MovementsPort
	storage   StoragePort
	catalog   CatalogPort
	repo      RepositoryPort
	audit     shared.AuditRecorder
	cache     *Cache
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
	summaries singleflight.Group
}

// NewService builds a Service.
func NewService(movements MovementsPort, storage StoragePort, catalog CatalogPort, repo RepositoryPort, audit shared.AuditRecorder, cfg Config) *Service {
	s := &Service{
		movements: movements,
		storage:   storage,
		catalog:   catalog,
		repo:      repo,
		audit:     audit,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		validate:  validator.New(),
		now:       cfg.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func checkPeriod(period shared.BillingPeriod) error {
	if period.IsZero() || period.End.Before(period.Start) {
		return fmt.Errorf("%w: %s", shared.ErrInvalidPeriod, period)
	}
	return nil
}

// CalculateAllCosts derives every expected charge of a warehouse in period.
// Storage, movement and accessorial sources load concurrently.
func (s *Service) CalculateAllCosts(ctx context.Context, warehouseID int64, period shared.BillingPeriod) ([]AggregatedCost, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	if _, err := s.catalog.Warehouse(ctx, warehouseID); err != nil {
		return nil, err
	}

	var storage, movements, accessorial []AggregatedCost
	var missing []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := s.storage.Entries(gctx, storageledger.Filter{WarehouseID: &warehouseID, Period: period})
		if err != nil {
			return fmt.Errorf("storage entries: %w", err)
		}
		storage = StorageLines(entries)
		return nil
	})
	g.Go(func() error {
		book, err := s.catalog.RateBook(gctx, warehouseID)
		if err != nil {
			return fmt.Errorf("rate book: %w", err)
		}
		list, err := s.movements.ListMovements(gctx, inventory.MovementFilter{WarehouseID: &warehouseID, From: period.Start, To: period.End})
		if err != nil {
			return fmt.Errorf("movements: %w", err)
		}
		movements, missing = TransactionLines(list.Transactions, book, period)
		return nil
	})
	g.Go(func() error {
		costs, err := s.repo.ListCosts(gctx, CostFilter{WarehouseID: warehouseID, From: period.Start, To: period.End, Category: masterdata.CategoryAccessorial})
		if err != nil {
			return fmt.Errorf("accessorial costs: %w", err)
		}
		accessorial = AccessorialLines(costs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, m := range missing {
		s.logger.Warn("no rate for charged activity",
			slog.Int64("warehouse_id", warehouseID), slog.String("period", period.Key()), slog.String("rule", m))
	}
	lines := make([]AggregatedCost, 0, len(storage)+len(movements)+len(accessorial))
	lines = append(lines, storage...)
	lines = append(lines, movements...)
	lines = append(lines, accessorial...)
	SortLines(lines)
	return lines, nil
}

// Summary returns period totals per category and name. Concurrent callers
// for the same key share one computation; results are cached until a
// ledger, storage or accessorial write bumps the period.
func (s *Service) Summary(ctx context.Context, warehouseID int64, period shared.BillingPeriod) ([]SummaryLine, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	key, err := s.cache.BuildKey(ctx, warehouseID, period, "summary")
	if err != nil {
		s.logger.Warn("summary cache unavailable", slog.Any("error", err))
		return s.summarize(ctx, warehouseID, period)
	}
	// The shared computation outlives any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	resultChan := s.summaries.DoChan(key, func() (any, error) {
		var out []SummaryLine
		err := s.cache.FetchJSON(loadCtx, key, &out, func(ctx context.Context) (any, error) {
			return s.summarize(ctx, warehouseID, period)
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]SummaryLine), nil
	}
}

func (s *Service) summarize(ctx context.Context, warehouseID int64, period shared.BillingPeriod) ([]SummaryLine, error) {
	lines, err := s.CalculateAllCosts(ctx, warehouseID, period)
	if err != nil {
		return nil, err
	}
	out := Summarize(lines)
	if out == nil {
		out = []SummaryLine{}
	}
	return out, nil
}

// Invalidate drops cached summaries of a warehouse's period.
func (s *Service) Invalidate(ctx context.Context, warehouseID int64, period shared.BillingPeriod) error {
	return s.cache.Invalidate(ctx, warehouseID, period)
}

func (s *Service) invalidate(ctx context.Context, warehouseID int64, period shared.BillingPeriod) {
	if err := s.Invalidate(ctx, warehouseID, period); err != nil {
		s.logger.Warn("invalidate cost summary", slog.Int64("warehouse_id", warehouseID), slog.String("period", period.Key()), slog.Any("error", err))
	}
}

// GenerateTransactionCosts persists one carton handling charge per movement
// of the period. Rows are keyed by transaction so reruns only add what is
// missing.
func (s *Service) GenerateTransactionCosts(ctx context.Context, warehouseID int64, period shared.BillingPeriod, actorID int64) (GenerateResult, error) {
	if err := checkPeriod(period); err != nil {
		return GenerateResult{}, err
	}
	book, err := s.catalog.RateBook(ctx, warehouseID)
	if err != nil {
		return GenerateResult{}, err
	}
	list, err := s.movements.ListMovements(ctx, inventory.MovementFilter{WarehouseID: &warehouseID, From: period.Start, To: period.End})
	if err != nil {
		return GenerateResult{}, err
	}

	result := GenerateResult{Transactions: len(list.Transactions), Total: money.Zero}
	var costs []CalculatedCost
	for _, tx := range list.Transactions {
		cost, ok, missing := TransactionCost(tx, book)
		if missing {
			result.MissingRates = append(result.MissingRates, tx.TransactionID)
			continue
		}
		if !ok {
			continue
		}
		if actorID > 0 {
			actor := actorID
			cost.CreatedByID = &actor
		}
		costs = append(costs, cost)
		result.Total = result.Total.Add(cost.FinalExpectedCost)
	}
	created, err := s.repo.InsertCosts(ctx, costs)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("insert costs: %w", err)
	}
	result.Created = created
	result.Existing = len(costs) - created
	if len(result.MissingRates) > 0 {
		s.logger.Warn("transactions without carton rate",
			slog.Int64("warehouse_id", warehouseID), slog.Int("count", len(result.MissingRates)))
	}
	if created > 0 {
		s.invalidate(ctx, warehouseID, period)
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   "costing:generate",
		Entity:   "calculated_costs",
		EntityID: fmt.Sprintf("%d/%s", warehouseID, period.Key()),
		After:    map[string]any{"created": result.Created, "existing": result.Existing, "total": result.Total.String()},
	})
	return result, nil
}

// RecordAccessorial stores a manual charge in the period of its date.
func (s *Service) RecordAccessorial(ctx context.Context, input AccessorialInput) (CalculatedCost, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return CalculatedCost{}, fmt.Errorf("%w: %s failed %s", ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return CalculatedCost{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !input.Quantity.IsPositive() {
		return CalculatedCost{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if input.Rate.IsNegative() {
		return CalculatedCost{}, fmt.Errorf("%w: rate must not be negative", ErrInvalidInput)
	}
	if _, err := s.catalog.Warehouse(ctx, input.WarehouseID); err != nil {
		return CalculatedCost{}, err
	}
	id := "CC-ACC-" + uuid.NewString()
	ref := strings.TrimSpace(input.Reference)
	if ref == "" {
		ref = id
	}
	period := shared.PeriodFor(input.Date)
	cost := CalculatedCost{
		ID:                 id,
		TransactionRef:     ref,
		TransactionType:    TypeAccessorial,
		TransactionDate:    shared.DateOf(input.Date),
		WarehouseID:        input.WarehouseID,
		SKUID:              input.SKUID,
		BatchLot:           strings.TrimSpace(input.BatchLot),
		Category:           masterdata.CategoryAccessorial,
		CostName:           input.Name,
		QuantityCharged:    input.Quantity,
		ApplicableRate:     input.Rate,
		FinalExpectedCost:  input.Rate.Mul(input.Quantity).Round(),
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
		Notes:              input.Notes,
		CreatedAt:          s.now().UTC(),
	}
	if input.ActorID > 0 {
		actor := input.ActorID
		cost.CreatedByID = &actor
	}
	if _, err := s.repo.InsertCosts(ctx, []CalculatedCost{cost}); err != nil {
		return CalculatedCost{}, fmt.Errorf("insert accessorial: %w", err)
	}
	s.invalidate(ctx, input.WarehouseID, period)
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "costing:accessorial",
		Entity:   "calculated_costs",
		EntityID: cost.ID,
		After:    map[string]any{"name": cost.CostName, "amount": cost.FinalExpectedCost.String()},
	})
	return cost, nil
}

// CostLedger buckets the persisted costs of a period by week or month.
func (s *Service) CostLedger(ctx context.Context, warehouseID int64, period shared.BillingPeriod, groupBy GroupBy) (CostLedger, error) {
	if err := checkPeriod(period); err != nil {
		return CostLedger{}, err
	}
	costs, err := s.repo.ListCosts(ctx, CostFilter{WarehouseID: warehouseID, From: period.Start, To: period.End})
	if err != nil {
		return CostLedger{}, err
	}
	return BuildLedger(costs, groupBy)
}

// Costs lists persisted costs.
func (s *Service) Costs(ctx context.Context, filter CostFilter) ([]CalculatedCost, error) {
	return s.repo.ListCosts(ctx, filter)
}
