package storageledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

// LedgerPort reads balances. *inventory.Service satisfies it.
type LedgerPort interface {
	ActiveBalances(ctx context.Context, warehouseID *int64) ([]inventory.Balance, error)
	GetBalanceAsOf(ctx context.Context, key inventory.BalanceKey, asOf time.Time) (int64, error)
	FirstReceiveConfig(ctx context.Context, key inventory.BalanceKey, date time.Time) (masterdata.PalletConfig, bool, error)
}

// CatalogPort resolves master data. *masterdata.Service satisfies it.
type CatalogPort interface {
	Warehouse(ctx context.Context, id int64) (masterdata.Warehouse, error)
	SKU(ctx context.Context, id int64) (masterdata.SKU, error)
	SKUConfig(ctx context.Context, warehouseID, skuID int64, date time.Time) (masterdata.SKUConfig, bool, error)
	RateBook(ctx context.Context, warehouseID int64) (masterdata.RateBook, error)
}

// RepositoryPort persists entries.
type RepositoryPort interface {
	// Save upserts entries by SLID together with their calculated cost rows
	// and reports how many were inserted and how many replaced.
	Save(ctx context.Context, entries []Entry) (created, updated int, err error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Invalidator is told when a warehouse's charges for a period change.
type Invalidator interface {
	Invalidate(ctx context.Context, warehouseID int64, period shared.BillingPeriod) error
}

// Config groups optional calculator settings.
type Config struct {
	// Matcher picks the weekly pallet tariff; defaults to names containing "pallet".
	Matcher     masterdata.RateMatcher
	Lock        *shared.RunLock
	Invalidator Invalidator
	Logger      *slog.Logger
	// Workers bounds concurrent balance lookups.
	Workers int
}

// Calculator produces storage ledger entries.
type Calculator struct {
	ledger      LedgerPort
	catalog     CatalogPort
	repo        RepositoryPort
	matcher     masterdata.RateMatcher
	lock        *shared.RunLock
	invalidator Invalidator
	logger      *slog.Logger
	workers     int
}

// NewCalculator builds a Calculator.
func NewCalculator(ledger LedgerPort, catalog CatalogPort, repo RepositoryPort, cfg Config) *Calculator {
	c := &Calculator{
		ledger:      ledger,
		catalog:     catalog,
		repo:        repo,
		matcher:     cfg.Matcher,
		lock:        cfg.Lock,
		invalidator: cfg.Invalidator,
		logger:      cfg.Logger,
		workers:     cfg.Workers,
	}
	if c.matcher == nil {
		c.matcher = masterdata.NameContains("pallet")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.workers <= 0 {
		c.workers = 8
	}
	return c
}

type references struct {
	warehouses map[int64]masterdata.Warehouse
	skus       map[int64]masterdata.SKU
	books      map[int64]masterdata.RateBook
}

func (c *Calculator) loadReferences(ctx context.Context, balances []inventory.Balance) (references, error) {
	refs := references{
		warehouses: map[int64]masterdata.Warehouse{},
		skus:       map[int64]masterdata.SKU{},
		books:      map[int64]masterdata.RateBook{},
	}
	for _, b := range balances {
		if _, ok := refs.warehouses[b.WarehouseID]; !ok {
			wh, err := c.catalog.Warehouse(ctx, b.WarehouseID)
			if err != nil {
				return refs, fmt.Errorf("warehouse %d: %w", b.WarehouseID, err)
			}
			book, err := c.catalog.RateBook(ctx, b.WarehouseID)
			if err != nil {
				return refs, fmt.Errorf("rates for warehouse %d: %w", b.WarehouseID, err)
			}
			refs.warehouses[b.WarehouseID] = wh
			refs.books[b.WarehouseID] = book
		}
		if _, ok := refs.skus[b.SKUID]; !ok {
			sku, err := c.catalog.SKU(ctx, b.SKUID)
			if err != nil {
				return refs, fmt.Errorf("sku %d: %w", b.SKUID, err)
			}
			refs.skus[b.SKUID] = sku
		}
	}
	return refs, nil
}

type job struct {
	monday  time.Time
	balance inventory.Balance
}

type outcome struct {
	entry   *Entry
	warning *MissingConfiguration
}

// Calculate prices every active batch on every Monday of [start, end] and
// upserts the results. Reruns over the same range rewrite the same rows.
func (c *Calculator) Calculate(ctx context.Context, start, end time.Time, warehouseID *int64) (RunResult, error) {
	span, err := shared.NewBillingPeriod(start, end)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %s..%s", ErrInvalidRange, start.Format(shared.DateLayout), end.Format(shared.DateLayout))
	}
	var scope int64
	if warehouseID != nil {
		scope = *warehouseID
	}
	release, err := c.lock.Acquire(ctx, shared.RunLockKey("storage", span, scope))
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	result := RunResult{RunID: uuid.NewString(), Start: span.Start, End: span.End, TotalCost: money.Zero, Warnings: []MissingConfiguration{}}
	mondays := Mondays(span.Start, span.End)
	result.Mondays = len(mondays)

	balances, err := c.ledger.ActiveBalances(ctx, warehouseID)
	if err != nil {
		return result, err
	}
	refs, err := c.loadReferences(ctx, balances)
	if err != nil {
		return result, err
	}

	jobs := make([]job, 0, len(mondays)*len(balances))
	for _, monday := range mondays {
		for _, b := range balances {
			jobs = append(jobs, job{monday: monday, balance: b})
		}
	}
	outcomes := make([]outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, j := range jobs {
		g.Go(func() error {
			o, err := c.price(gctx, j, refs)
			if err != nil {
				return fmt.Errorf("%s on %s: %w", j.balance.BalanceKey, j.monday.Format(shared.DateLayout), err)
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	entries := []Entry{}
	for _, o := range outcomes {
		switch {
		case o.entry != nil:
			entries = append(entries, *o.entry)
			result.TotalCost = result.TotalCost.Add(o.entry.CalculatedWeeklyCost)
		case o.warning != nil:
			result.Warnings = append(result.Warnings, *o.warning)
			result.Skipped++
		default:
			result.Skipped++
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].SLID < entries[j].SLID })

	if len(entries) > 0 {
		result.Created, result.Updated, err = c.repo.Save(ctx, entries)
		if err != nil {
			return result, fmt.Errorf("save storage ledger: %w", err)
		}
	}
	c.invalidate(ctx, entries)

	for _, w := range result.Warnings {
		c.logger.Warn("storage charge not priced",
			slog.String("reason", w.Reason),
			slog.String("warehouse", w.WarehouseCode),
			slog.String("sku", w.SKUCode),
			slog.String("batch", w.BatchLot),
			slog.String("monday", w.Monday.Format(shared.DateLayout)))
	}
	c.logger.Info("storage ledger calculated",
		slog.String("run_id", result.RunID),
		slog.String("range", span.String()),
		slog.Int("mondays", result.Mondays),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.String("total", result.TotalCost.String()))
	return result, nil
}

func (c *Calculator) invalidate(ctx context.Context, entries []Entry) {
	if c.invalidator == nil {
		return
	}
	type scope struct {
		warehouseID int64
		start       time.Time
	}
	seen := map[scope]bool{}
	for _, e := range entries {
		s := scope{e.WarehouseID, e.BillingPeriodStart}
		if seen[s] {
			continue
		}
		seen[s] = true
		period := shared.BillingPeriod{Start: e.BillingPeriodStart, End: e.BillingPeriodEnd}
		if err := c.invalidator.Invalidate(ctx, e.WarehouseID, period); err != nil {
			c.logger.Warn("invalidate cost summary", slog.Int64("warehouse_id", e.WarehouseID), slog.Any("error", err))
		}
	}
}

func (c *Calculator) price(ctx context.Context, j job, refs references) (outcome, error) {
	key := j.balance.BalanceKey
	cartons, err := c.ledger.GetBalanceAsOf(ctx, key, j.monday)
	if err != nil {
		return outcome{}, err
	}
	if cartons <= 0 {
		return outcome{}, nil
	}
	wh := refs.warehouses[key.WarehouseID]
	sku := refs.skus[key.SKUID]
	book := refs.books[key.WarehouseID]
	period := shared.PeriodFor(j.monday)
	entry := Entry{
		SLID:               SLID(j.monday, wh.Code, sku.Code, key.BatchLot),
		WeekEndingDate:     WeekEnding(j.monday),
		Monday:             j.monday,
		WarehouseID:        key.WarehouseID,
		WarehouseCode:      wh.Code,
		SKUID:              key.SKUID,
		SKUCode:            sku.Code,
		BatchLot:           key.BatchLot,
		CartonsEndOfMonday: cartons,
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
	}
	missing := func(reason string) (outcome, error) {
		return outcome{warning: &MissingConfiguration{
			Monday: j.monday, WarehouseID: key.WarehouseID, WarehouseCode: wh.Code,
			SKUID: key.SKUID, SKUCode: sku.Code, BatchLot: key.BatchLot, Cartons: cartons, Reason: reason,
		}}, nil
	}

	if wh.VolumeBilled() {
		rate, ok := book.Applicable(masterdata.CategoryStorage, masterdata.NameContains(VolumeRateName(j.monday)), j.monday)
		if !ok {
			return missing(MissingVolumeRate)
		}
		weekly, err := rate.Rate.Div(WeeksPerMonth)
		if err != nil {
			return outcome{}, err
		}
		weekly = weekly.RoundTo(6)
		cubicFeet := decimal.NewFromInt(cartons).Mul(sku.CartonCubicFeet()).Ceil()
		entry.ChargeUnit = ChargeCubicFoot
		entry.StoragePalletsCharged = cubicFeet
		entry.ApplicableWeeklyRate = weekly
		entry.CalculatedWeeklyCost = weekly.Mul(cubicFeet).Round()
		return outcome{entry: &entry}, nil
	}

	cfg, ok, err := c.palletConfig(ctx, j, key)
	if err != nil {
		return outcome{}, err
	}
	if !ok {
		return missing(MissingPalletConfig)
	}
	rate, ok := book.Applicable(masterdata.CategoryStorage, c.matcher, j.monday)
	if !ok {
		return missing(MissingStorageRate)
	}
	pallets := inventory.PalletsFor(cartons, cfg.StorageCartonsPerPallet)
	entry.ChargeUnit = ChargePallet
	entry.StoragePalletsCharged = decimal.NewFromInt(pallets)
	entry.ApplicableWeeklyRate = rate.Rate
	entry.CalculatedWeeklyCost = rate.Rate.MulInt(pallets).Round()
	return outcome{entry: &entry}, nil
}

// palletConfig resolves the ratio for a batch on a Monday: the batch's own
// captured ratio, then the first receipt on or before the Monday, then the
// warehouse configuration effective that day.
func (c *Calculator) palletConfig(ctx context.Context, j job, key inventory.BalanceKey) (masterdata.PalletConfig, bool, error) {
	if cfg, ok := j.balance.BatchConfig(); ok {
		return cfg, true, nil
	}
	cfg, ok, err := c.ledger.FirstReceiveConfig(ctx, key, j.monday)
	if err != nil || ok {
		return cfg, ok, err
	}
	whCfg, ok, err := c.catalog.SKUConfig(ctx, key.WarehouseID, key.SKUID, j.monday)
	if err != nil || !ok {
		return masterdata.PalletConfig{}, false, err
	}
	return whCfg.Pallets, true, nil
}

// Entries lists stored entries.
func (c *Calculator) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	return c.repo.List(ctx, filter)
}
