package masterdata

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	warehouses map[int64]Warehouse
	skus       map[int64]SKU
	rates      []CostRate
	configs    []SKUConfig
	nextID     int64
}

type memoryTx struct{ repo *memoryRepo }

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{warehouses: map[int64]Warehouse{}, skus: map[int64]SKU{}}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) GetWarehouse(_ context.Context, id int64) (Warehouse, error) {
	w, ok := r.warehouses[id]
	if !ok {
		return Warehouse{}, ErrWarehouseNotFound
	}
	return w, nil
}

func (r *memoryRepo) ListWarehouses(_ context.Context, activeOnly bool) ([]Warehouse, error) {
	out := []Warehouse{}
	for _, w := range r.warehouses {
		if !activeOnly || w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *memoryRepo) InsertWarehouse(_ context.Context, w Warehouse) (Warehouse, error) {
	w.ID = r.id()
	r.warehouses[w.ID] = w
	return w, nil
}

func (r *memoryRepo) SetWarehouseActive(_ context.Context, id int64, active bool) error {
	w := r.warehouses[id]
	w.Active = active
	r.warehouses[id] = w
	return nil
}

func (r *memoryRepo) GetSKU(_ context.Context, id int64) (SKU, error) {
	s, ok := r.skus[id]
	if !ok {
		return SKU{}, ErrSKUNotFound
	}
	return s, nil
}

func (r *memoryRepo) InsertSKU(_ context.Context, s SKU) (SKU, error) {
	s.ID = r.id()
	r.skus[s.ID] = s
	return s, nil
}

func (r *memoryRepo) UpdateSKUUnitsPerCarton(_ context.Context, id int64, units int) error {
	s := r.skus[id]
	s.UnitsPerCarton = units
	r.skus[id] = s
	return nil
}

func (r *memoryRepo) ListRates(_ context.Context, warehouseID int64) ([]CostRate, error) {
	out := []CostRate{}
	for _, rate := range r.rates {
		if rate.WarehouseID == warehouseID {
			out = append(out, rate)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListSKUConfigs(_ context.Context, warehouseID, skuID int64) ([]SKUConfig, error) {
	out := []SKUConfig{}
	for _, c := range r.configs {
		if c.WarehouseID == warehouseID && c.SKUID == skuID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, memoryTx{repo: r})
}

func (tx memoryTx) LatestOpenRate(_ context.Context, warehouseID int64, category CostCategory, name string) (CostRate, bool, error) {
	var best CostRate
	found := false
	for _, rate := range tx.repo.rates {
		if rate.WarehouseID == warehouseID && rate.Category == category && rate.Name == name && rate.EndDate == nil {
			if !found || rate.EffectiveDate.After(best.EffectiveDate) {
				best, found = rate, true
			}
		}
	}
	return best, found, nil
}

func (tx memoryTx) CloseRate(_ context.Context, id int64, end time.Time) error {
	for i := range tx.repo.rates {
		if tx.repo.rates[i].ID == id {
			e := end
			tx.repo.rates[i].EndDate = &e
		}
	}
	return nil
}

func (tx memoryTx) InsertRate(_ context.Context, rate CostRate) (CostRate, error) {
	rate.ID = tx.repo.id()
	tx.repo.rates = append(tx.repo.rates, rate)
	return rate, nil
}

func (tx memoryTx) LatestOpenSKUConfig(_ context.Context, warehouseID, skuID int64) (SKUConfig, bool, error) {
	for i := len(tx.repo.configs) - 1; i >= 0; i-- {
		c := tx.repo.configs[i]
		if c.WarehouseID == warehouseID && c.SKUID == skuID && c.EndDate == nil {
			return c, true, nil
		}
	}
	return SKUConfig{}, false, nil
}

func (tx memoryTx) CloseSKUConfig(_ context.Context, id int64, end time.Time) error {
	for i := range tx.repo.configs {
		if tx.repo.configs[i].ID == id {
			e := end
			tx.repo.configs[i].EndDate = &e
		}
	}
	return nil
}

func (tx memoryTx) InsertSKUConfig(_ context.Context, c SKUConfig) (SKUConfig, error) {
	c.ID = tx.repo.id()
	tx.repo.configs = append(tx.repo.configs, c)
	return c, nil
}

type auditSpy struct{ logs []shared.AuditLog }

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestCreateRateClosesPreviousInterval(t *testing.T) {
	repo := newMemoryRepo()
	audit := &auditSpy{}
	svc := NewService(repo, audit, nil)
	ctx := context.Background()

	wh, err := svc.CreateWarehouse(ctx, WarehouseInput{Code: "fmc", Name: "FMC Tilbury"}, 1)
	require.NoError(t, err)
	require.Equal(t, "FMC", wh.Code)

	_, err = svc.CreateRate(ctx, RateInput{WarehouseID: wh.ID, Category: "storage", Name: "Storage per pallet per week", Rate: money.MustParse("3.90"), EffectiveDate: date(2024, 1, 1)})
	require.NoError(t, err)
	_, err = svc.CreateRate(ctx, RateInput{WarehouseID: wh.ID, Category: CategoryStorage, Name: "Storage per pallet per week", Rate: money.MustParse("4.25"), EffectiveDate: date(2025, 1, 1)})
	require.NoError(t, err)

	book, err := svc.RateBook(ctx, wh.ID)
	require.NoError(t, err)
	old, ok := book.Applicable(CategoryStorage, NameContains("pallet"), date(2024, 12, 31))
	require.True(t, ok)
	require.Equal(t, "3.90", old.Rate.String())
	current, ok := book.Applicable(CategoryStorage, NameContains("PALLET"), date(2025, 1, 1))
	require.True(t, ok)
	require.Equal(t, "4.25", current.Rate.String())
	_, ok = book.Applicable(CategoryStorage, NameContains("pallet"), date(2023, 6, 1))
	require.False(t, ok)

	_, err = svc.CreateRate(ctx, RateInput{WarehouseID: wh.ID, Category: CategoryStorage, Name: "Storage per pallet per week", Rate: money.MustParse("9"), EffectiveDate: date(2024, 6, 1)})
	require.ErrorIs(t, err, ErrRateImmutable)
	require.Len(t, audit.logs, 3)
}

func TestCreateRateValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	_, err := svc.CreateRate(context.Background(), RateInput{Category: CategoryCarton, Name: "x"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.CreateRate(context.Background(), RateInput{WarehouseID: 1, Category: "Fuel", Name: "x", EffectiveDate: date(2025, 1, 1)})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestApplicableRatePrefersMostRecentOverlap(t *testing.T) {
	end := date(2025, 3, 1)
	rates := []CostRate{
		{ID: 1, WarehouseID: 1, Category: CategoryStorage, Name: "Pallet storage", Rate: money.MustParse("3"), UnitOfMeasure: "pallet/week", EffectiveDate: date(2025, 1, 1)},
		{ID: 2, WarehouseID: 1, Category: CategoryStorage, Name: "Pallet storage promo", Rate: money.MustParse("2"), UnitOfMeasure: "pallet/week", EffectiveDate: date(2025, 2, 1), EndDate: &end},
		{ID: 3, WarehouseID: 1, Category: CategoryStorage, Name: "Bin storage", Rate: money.MustParse("1"), UnitOfMeasure: "bin/week", EffectiveDate: date(2025, 2, 10)},
	}
	r, ok := ApplicableRate(rates, CategoryStorage, NameContains("pallet"), date(2025, 2, 15))
	require.True(t, ok)
	require.Equal(t, int64(2), r.ID)
	r, ok = ApplicableRate(rates, CategoryStorage, NameContains("pallet"), date(2025, 3, 1))
	require.True(t, ok)
	require.Equal(t, int64(1), r.ID, "end date is exclusive")
	r, ok = ApplicableRate(rates, CategoryStorage, UnitOfMeasure("bin/week"), date(2025, 3, 1))
	require.True(t, ok)
	require.Equal(t, int64(3), r.ID)
}

func TestSKUConfigLookupAndUnitsChange(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	sku, err := svc.CreateSKU(ctx, SKUInput{Code: "CS-007", UnitsPerCarton: 10}, 1)
	require.NoError(t, err)
	_, err = svc.CreateSKUConfig(ctx, SKUConfigInput{WarehouseID: 1, SKUID: sku.ID, Storage: 48, Shipping: 40, EffectiveDate: date(2025, 1, 1)})
	require.NoError(t, err)
	_, err = svc.CreateSKUConfig(ctx, SKUConfigInput{WarehouseID: 1, SKUID: sku.ID, Storage: 60, Shipping: 50, EffectiveDate: date(2025, 2, 1)})
	require.NoError(t, err)

	cfg, ok, err := svc.SKUConfig(ctx, 1, sku.ID, date(2025, 1, 20))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 48, cfg.Pallets.StorageCartonsPerPallet)
	cfg, ok, err = svc.SKUConfig(ctx, 1, sku.ID, date(2025, 2, 3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 60, cfg.Pallets.StorageCartonsPerPallet)
	_, ok, err = svc.SKUConfig(ctx, 1, sku.ID, date(2024, 12, 1))
	require.NoError(t, err)
	require.False(t, ok)

	updated, err := svc.UpdateUnitsPerCarton(ctx, sku.ID, 12, 1)
	require.NoError(t, err)
	require.Equal(t, 12, updated.UnitsPerCarton)
	_, err = svc.UpdateUnitsPerCarton(ctx, sku.ID, 0, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeactivateWarehouseIsSoft(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	wh, err := svc.CreateWarehouse(ctx, WarehouseInput{Code: "VGLOBAL", Name: "Vglobal"}, 1)
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateWarehouse(ctx, wh.ID, 1))
	active, err := svc.Warehouses(ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := svc.Warehouses(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestVolumeBillingDetection(t *testing.T) {
	require.True(t, Warehouse{Code: "AMZN-UK"}.VolumeBilled())
	require.True(t, Warehouse{Code: "FBA1", Name: "Amazon FBA"}.VolumeBilled())
	require.False(t, Warehouse{Code: "FMC", Name: "FMC"}.VolumeBilled())

	require.True(t, SKU{}.CartonCubicFeet().Equal(decimal.RequireFromString("1.5")))
	require.True(t, SKU{CartonDimensionsCm: "1x1x1"}.CartonCubicFeet().Equal(decimal.RequireFromString("0.1")))
	require.Equal(t, "1.6951", SKU{CartonDimensionsCm: "40 x 40 x 30"}.CartonCubicFeet().String())
}
