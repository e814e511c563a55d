package storageledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

type fakeLedger struct {
	balances []inventory.Balance
	history  map[inventory.BalanceKey][]inventory.Transaction
}

func (f *fakeLedger) ActiveBalances(_ context.Context, warehouseID *int64) ([]inventory.Balance, error) {
	out := []inventory.Balance{}
	for _, b := range f.balances {
		if warehouseID == nil || b.WarehouseID == *warehouseID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetBalanceAsOf(_ context.Context, key inventory.BalanceKey, asOf time.Time) (int64, error) {
	return inventory.BalanceAsOf(f.history[key], asOf), nil
}

func (f *fakeLedger) FirstReceiveConfig(_ context.Context, key inventory.BalanceKey, d time.Time) (masterdata.PalletConfig, bool, error) {
	for _, tx := range f.history[key] {
		if tx.Type == inventory.TypeReceive && !tx.TransactionDate.After(d) {
			if cfg, ok := tx.PalletConfig(); ok {
				return cfg, true, nil
			}
		}
	}
	return masterdata.PalletConfig{}, false, nil
}

type fakeCatalog struct {
	warehouses map[int64]masterdata.Warehouse
	skus       map[int64]masterdata.SKU
	configs    []masterdata.SKUConfig
	rates      []masterdata.CostRate
}

func (c *fakeCatalog) Warehouse(_ context.Context, id int64) (masterdata.Warehouse, error) {
	w, ok := c.warehouses[id]
	if !ok {
		return w, masterdata.ErrWarehouseNotFound
	}
	return w, nil
}

func (c *fakeCatalog) SKU(_ context.Context, id int64) (masterdata.SKU, error) {
	s, ok := c.skus[id]
	if !ok {
		return s, masterdata.ErrSKUNotFound
	}
	return s, nil
}

func (c *fakeCatalog) SKUConfig(_ context.Context, warehouseID, skuID int64, d time.Time) (masterdata.SKUConfig, bool, error) {
	matching := []masterdata.SKUConfig{}
	for _, cfg := range c.configs {
		if cfg.WarehouseID == warehouseID && cfg.SKUID == skuID {
			matching = append(matching, cfg)
		}
	}
	cfg, ok := masterdata.ApplicableConfig(matching, d)
	return cfg, ok, nil
}

func (c *fakeCatalog) RateBook(_ context.Context, warehouseID int64) (masterdata.RateBook, error) {
	return masterdata.NewRateBook(warehouseID, c.rates), nil
}

type memoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func (r *memoryRepo) Save(_ context.Context, entries []Entry) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[string]Entry{}
	}
	created, updated := 0, 0
	for _, e := range entries {
		if _, ok := r.entries[e.SLID]; ok {
			updated++
		} else {
			created++
		}
		r.entries[e.SLID] = e
	}
	return created, updated, nil
}

func (r *memoryRepo) List(_ context.Context, filter Filter) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Entry{}
	for _, e := range r.entries {
		if filter.WarehouseID != nil && e.WarehouseID != *filter.WarehouseID {
			continue
		}
		if !filter.Period.IsZero() && !e.BillingPeriodStart.Equal(filter.Period.Start) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLID < out[j].SLID })
	return out, nil
}

type invalidations struct {
	mu    sync.Mutex
	calls []string
}

func (i *invalidations) Invalidate(_ context.Context, warehouseID int64, period shared.BillingPeriod) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, period.Key())
	return nil
}

var (
	keyB1 = inventory.BalanceKey{WarehouseID: 1, SKUID: 10, BatchLot: "B1"}
	keyB2 = inventory.BalanceKey{WarehouseID: 1, SKUID: 11, BatchLot: "B2"}
)

func fixture() (*fakeLedger, *fakeCatalog) {
	twenty := 20
	ledger := &fakeLedger{
		balances: []inventory.Balance{
			{BalanceKey: keyB1, CurrentCartons: 45, StorageCartonsPerPallet: &twenty},
			{BalanceKey: keyB2, CurrentCartons: 12},
		},
		history: map[inventory.BalanceKey][]inventory.Transaction{
			keyB1: {
				{Seq: 1, Type: inventory.TypeReceive, CartonsIn: 45, TransactionDate: date(2025, 1, 2), StorageCartonsPerPallet: &twenty},
			},
			keyB2: {
				{Seq: 2, Type: inventory.TypeReceive, CartonsIn: 12, TransactionDate: date(2025, 1, 22)},
			},
		},
	}
	catalog := &fakeCatalog{
		warehouses: map[int64]masterdata.Warehouse{1: {ID: 1, Code: "FMC", Name: "FMC Tilbury", Active: true}},
		skus: map[int64]masterdata.SKU{
			10: {ID: 10, Code: "SKU-A", UnitsPerCarton: 10},
			11: {ID: 11, Code: "SKU-B", UnitsPerCarton: 4},
		},
		rates: []masterdata.CostRate{
			{ID: 1, WarehouseID: 1, Category: masterdata.CategoryStorage, Name: "Storage per Pallet per week", Rate: money.MustParse("3.90"), EffectiveDate: date(2024, 1, 1)},
			{ID: 2, WarehouseID: 1, Category: masterdata.CategoryStorage, Name: "Storage per Pallet per week", Rate: money.MustParse("4.10"), EffectiveDate: date(2025, 2, 1)},
		},
	}
	return ledger, catalog
}

func TestMondays(t *testing.T) {
	got := Mondays(date(2025, 1, 16), date(2025, 2, 15))
	require.Len(t, got, 5)
	require.Equal(t, date(2025, 1, 13), got[0])
	require.Equal(t, date(2025, 2, 10), got[4])
	for _, m := range got {
		require.Equal(t, time.Monday, m.Weekday())
	}
	require.Len(t, Mondays(date(2025, 1, 13), date(2025, 1, 13)), 1)
	require.Equal(t, date(2025, 1, 19), WeekEnding(date(2025, 1, 13)))
}

func TestSLID(t *testing.T) {
	require.Equal(t, "SL-2025-01-13-FMC-SKU-A-LOT_7", SLID(date(2025, 1, 13), "FMC", "SKU-A", "LOT 7"))
	e := Entry{Monday: date(2025, 1, 13), WarehouseCode: "FMC", SKUCode: "SKU-A", BatchLot: "B1"}
	require.Equal(t, "CC-STORAGE-2025-01-13-FMC-SKU-A-B1", e.CostID())
}

func TestCalculatePricesEachMonday(t *testing.T) {
	ledger, catalog := fixture()
	repo := &memoryRepo{}
	inv := &invalidations{}
	calc := NewCalculator(ledger, catalog, repo, Config{Invalidator: inv})

	res, err := calc.Calculate(context.Background(), date(2025, 1, 16), date(2025, 2, 15), nil)
	require.NoError(t, err)
	require.Equal(t, 5, res.Mondays)

	entries, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	// B1 stocked on every Monday; B2 only from Jan 27 and has no pallet ratio.
	require.Len(t, entries, 5)
	require.Equal(t, 5, res.Created)
	require.Len(t, res.Warnings, 3)
	for _, w := range res.Warnings {
		require.Equal(t, MissingPalletConfig, w.Reason)
		require.Equal(t, "B2", w.BatchLot)
	}
	require.Equal(t, 5, res.Skipped)

	first := entries[0]
	require.Equal(t, "SL-2025-01-13-FMC-SKU-A-B1", first.SLID)
	require.EqualValues(t, 45, first.CartonsEndOfMonday)
	require.Equal(t, "3", first.StoragePalletsCharged.String())
	require.Equal(t, "11.70", first.CalculatedWeeklyCost.String())
	require.Equal(t, date(2024, 12, 16), first.BillingPeriodStart)

	last := entries[4]
	require.Equal(t, date(2025, 2, 10), last.Monday)
	require.Equal(t, "12.30", last.CalculatedWeeklyCost.String())
	require.Equal(t, "59.70", res.TotalCost.String())
	require.ElementsMatch(t, []string{"2024-12", "2025-01"}, inv.calls)
}

func TestCalculateIsIdempotent(t *testing.T) {
	ledger, catalog := fixture()
	repo := &memoryRepo{}
	calc := NewCalculator(ledger, catalog, repo, Config{Workers: 2})
	ctx := context.Background()

	first, err := calc.Calculate(ctx, date(2025, 1, 16), date(2025, 2, 15), nil)
	require.NoError(t, err)
	before, _ := repo.List(ctx, Filter{})

	second, err := calc.Calculate(ctx, date(2025, 1, 16), date(2025, 2, 15), nil)
	require.NoError(t, err)
	after, _ := repo.List(ctx, Filter{})

	require.Zero(t, second.Created)
	require.Equal(t, first.Created, second.Updated)
	require.Equal(t, before, after)
	require.True(t, first.TotalCost.Equal(second.TotalCost))
}

func TestPalletConfigFallbacks(t *testing.T) {
	ledger, catalog := fixture()
	catalog.configs = []masterdata.SKUConfig{{ID: 1, WarehouseID: 1, SKUID: 11,
		Pallets: masterdata.PalletConfig{StorageCartonsPerPallet: 5, ShippingCartonsPerPallet: 5}, EffectiveDate: date(2025, 2, 1)}}
	repo := &memoryRepo{}
	calc := NewCalculator(ledger, catalog, repo, Config{})

	res, err := calc.Calculate(context.Background(), date(2025, 1, 27), date(2025, 2, 3), nil)
	require.NoError(t, err)
	// Jan 27 predates the warehouse configuration; Feb 3 uses it.
	require.Len(t, res.Warnings, 1)
	require.Equal(t, date(2025, 1, 27), res.Warnings[0].Monday)

	entries, _ := repo.List(context.Background(), Filter{})
	var b2 []Entry
	for _, e := range entries {
		if e.BatchLot == "B2" {
			b2 = append(b2, e)
		}
	}
	require.Len(t, b2, 1)
	require.Equal(t, "3", b2[0].StoragePalletsCharged.String())
	require.Equal(t, "12.30", b2[0].CalculatedWeeklyCost.String())
}

func TestMissingRateWarns(t *testing.T) {
	ledger, catalog := fixture()
	catalog.rates = nil
	calc := NewCalculator(ledger, catalog, &memoryRepo{}, Config{})
	res, err := calc.Calculate(context.Background(), date(2025, 1, 13), date(2025, 1, 13), &keyB1.WarehouseID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, MissingStorageRate, res.Warnings[0].Reason)
	require.Zero(t, res.Created)
}

func TestUnitOfMeasureMatcher(t *testing.T) {
	ledger, catalog := fixture()
	catalog.rates = []masterdata.CostRate{
		{ID: 1, WarehouseID: 1, Category: masterdata.CategoryStorage, Name: "Pallet handling", Rate: money.MustParse("9.99"), EffectiveDate: date(2024, 1, 1)},
		{ID: 2, WarehouseID: 1, Category: masterdata.CategoryStorage, Name: "Weekly storage", UnitOfMeasure: "pallet/week", Rate: money.MustParse("2.00"), EffectiveDate: date(2024, 1, 1)},
	}
	repo := &memoryRepo{}
	calc := NewCalculator(ledger, catalog, repo, Config{Matcher: masterdata.UnitOfMeasure("pallet/week")})
	_, err := calc.Calculate(context.Background(), date(2025, 1, 13), date(2025, 1, 13), nil)
	require.NoError(t, err)
	entries, _ := repo.List(context.Background(), Filter{})
	require.Len(t, entries, 1)
	require.Equal(t, "6.00", entries[0].CalculatedWeeklyCost.String())
}

func TestVolumeBilledWarehouse(t *testing.T) {
	key := inventory.BalanceKey{WarehouseID: 7, SKUID: 20, BatchLot: "FBA1"}
	ledger := &fakeLedger{
		balances: []inventory.Balance{{BalanceKey: key, CurrentCartons: 10}},
		history: map[inventory.BalanceKey][]inventory.Transaction{
			key: {{Seq: 1, Type: inventory.TypeReceive, CartonsIn: 10, TransactionDate: date(2024, 9, 1)}},
		},
	}
	catalog := &fakeCatalog{
		warehouses: map[int64]masterdata.Warehouse{7: {ID: 7, Code: "AMZN-LTN4", Name: "Amazon LTN4", Active: true}},
		skus:       map[int64]masterdata.SKU{20: {ID: 20, Code: "SKU-V", UnitsPerCarton: 1, CartonDimensionsCm: "60x40x40"}},
		rates: []masterdata.CostRate{
			{ID: 1, WarehouseID: 7, Category: masterdata.CategoryStorage, Name: "Standard Size (Jan-Sep)", Rate: money.MustParse("0.78"), EffectiveDate: date(2024, 1, 1)},
			{ID: 2, WarehouseID: 7, Category: masterdata.CategoryStorage, Name: "Standard Size (Oct-Dec)", Rate: money.MustParse("2.40"), EffectiveDate: date(2024, 1, 1)},
		},
	}
	repo := &memoryRepo{}
	calc := NewCalculator(ledger, catalog, repo, Config{})
	_, err := calc.Calculate(context.Background(), date(2024, 9, 30), date(2024, 10, 7), nil)
	require.NoError(t, err)

	entries, _ := repo.List(context.Background(), Filter{})
	require.Len(t, entries, 2)
	// 60x40x40 cm is 3.3902 ft3; ten cartons round up to 34 ft3.
	require.Equal(t, ChargeCubicFoot, entries[0].ChargeUnit)
	require.Equal(t, "34", entries[0].StoragePalletsCharged.String())
	require.Equal(t, "6.12", entries[0].CalculatedWeeklyCost.String())
	require.Equal(t, "18.85", entries[1].CalculatedWeeklyCost.String())
}

func TestRunLockRejectsConcurrentRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock := shared.NewRunLock(client, time.Minute)

	ledger, catalog := fixture()
	calc := NewCalculator(ledger, catalog, &memoryRepo{}, Config{Lock: lock})
	span := shared.BillingPeriod{Start: date(2025, 1, 16), End: date(2025, 2, 15)}
	release, err := lock.Acquire(context.Background(), shared.RunLockKey("storage", span, 0))
	require.NoError(t, err)

	_, err = calc.Calculate(context.Background(), span.Start, span.End, nil)
	require.ErrorIs(t, err, shared.ErrRunInProgress)

	release()
	_, err = calc.Calculate(context.Background(), span.Start, span.End, nil)
	require.NoError(t, err)
}

func TestInvalidRange(t *testing.T) {
	ledger, catalog := fixture()
	calc := NewCalculator(ledger, catalog, &memoryRepo{}, Config{})
	_, err := calc.Calculate(context.Background(), date(2025, 2, 1), date(2025, 1, 1), nil)
	require.ErrorIs(t, err, ErrInvalidRange)

	h := NewHandler(nil, calc)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calculate", strings.NewReader(`{"start":"2025-02-01","end":"2025-01-01"}`))
	h.handleCalculate(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/calculate", strings.NewReader(`{"period":"2025-01"}`))
	h.handleCalculate(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"mondays":5`)
}
