package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/shared"
)

// memoryRepo mimics the locking contract of the PostgreSQL repository:
// LockForUpdate holds a per-key mutex until the unit of work ends and
// writes become visible only on commit.
type memoryRepo struct {
	mu       sync.Mutex
	balances map[BalanceKey]Balance
	txs      []Transaction
	seq      int64
	locks    map[BalanceKey]*sync.Mutex
	// failNext makes the next n units of work fail with err before running.
	failNext int
	failErr  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: map[BalanceKey]Balance{}, locks: map[BalanceKey]*sync.Mutex{}}
}

type memoryTx struct {
	repo     *memoryRepo
	held     []*sync.Mutex
	txs      []Transaction
	balances map[BalanceKey]Balance
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	if r.failNext > 0 {
		r.failNext--
		err := r.failErr
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	tx := &memoryTx{repo: r, balances: map[BalanceKey]Balance{}}
	defer func() {
		for i := len(tx.held) - 1; i >= 0; i-- {
			tx.held[i].Unlock()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx.txs...)
	for k, b := range tx.balances {
		r.balances[k] = b
	}
	return nil
}

func (r *memoryRepo) GetBalance(_ context.Context, key BalanceKey) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[key]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (r *memoryRepo) ListBalances(_ context.Context, filter BalanceFilter) ([]Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Balance{}
	for _, b := range r.balances {
		if filter.WarehouseID != nil && b.WarehouseID != *filter.WarehouseID {
			continue
		}
		if filter.PositiveOnly && b.CurrentCartons <= 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].BalanceKey, out[j].BalanceKey) })
	return out, nil
}

func (r *memoryRepo) ListKeys(_ context.Context, warehouseID *int64) ([]BalanceKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[BalanceKey]bool{}
	for _, tx := range r.txs {
		seen[tx.Key()] = true
	}
	for k := range r.balances {
		seen[k] = true
	}
	out := []BalanceKey{}
	for k := range seen {
		if warehouseID == nil || k.WarehouseID == *warehouseID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i], out[j]) })
	return out, nil
}

func (r *memoryRepo) History(_ context.Context, key BalanceKey, through time.Time) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Transaction{}
	for _, tx := range r.txs {
		if tx.Key() != key {
			continue
		}
		if !through.IsZero() && tx.TransactionDate.After(through) {
			continue
		}
		out = append(out, tx)
	}
	SortForReplay(out)
	return out, nil
}

func (r *memoryRepo) ListMovements(_ context.Context, filter MovementFilter) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Transaction{}
	for _, tx := range r.txs {
		switch {
		case filter.WarehouseID != nil && tx.WarehouseID != *filter.WarehouseID:
		case filter.SKUID != nil && tx.SKUID != *filter.SKUID:
		case !filter.From.IsZero() && tx.TransactionDate.Before(filter.From):
		case !filter.To.IsZero() && tx.TransactionDate.After(filter.To):
		default:
			out = append(out, tx)
		}
	}
	return out, nil
}

// corrupt overwrites a stored projection, simulating drift.
func (r *memoryRepo) corrupt(key BalanceKey, cartons int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[key]
	b.CurrentCartons = cartons
	r.balances[key] = b
}

func (t *memoryTx) LockForUpdate(_ context.Context, key BalanceKey) (Balance, error) {
	t.repo.mu.Lock()
	l, ok := t.repo.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.repo.locks[key] = l
	}
	t.repo.mu.Unlock()

	l.Lock()
	t.held = append(t.held, l)

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	b, ok := t.repo.balances[key]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (t *memoryTx) NextSequence(context.Context) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.seq++
	return t.repo.seq, nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, tx Transaction) error {
	t.txs = append(t.txs, tx)
	return nil
}

func (t *memoryTx) History(_ context.Context, key BalanceKey) ([]Transaction, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	out := []Transaction{}
	for _, tx := range append(append([]Transaction{}, t.repo.txs...), t.txs...) {
		if tx.Key() == key {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (t *memoryTx) SaveBalance(_ context.Context, b Balance) error {
	t.balances[b.BalanceKey] = b
	return nil
}

type memoryCatalog struct {
	mu         sync.Mutex
	warehouses map[int64]masterdata.Warehouse
	skus       map[int64]masterdata.SKU
	configs    []masterdata.SKUConfig
}

func newCatalog() *memoryCatalog {
	return &memoryCatalog{
		warehouses: map[int64]masterdata.Warehouse{
			1: {ID: 1, Code: "FMC", Name: "FMC Tilbury", Active: true},
			2: {ID: 2, Code: "OLD", Name: "Closed site", Active: false},
		},
		skus: map[int64]masterdata.SKU{
			10: {ID: 10, Code: "SKU-A", UnitsPerCarton: 10},
			11: {ID: 11, Code: "SKU-B", UnitsPerCarton: 6},
		},
	}
}

func (c *memoryCatalog) Warehouse(_ context.Context, id int64) (masterdata.Warehouse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.warehouses[id]
	if !ok {
		return masterdata.Warehouse{}, masterdata.ErrWarehouseNotFound
	}
	return w, nil
}

func (c *memoryCatalog) SKU(_ context.Context, id int64) (masterdata.SKU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.skus[id]
	if !ok {
		return masterdata.SKU{}, masterdata.ErrSKUNotFound
	}
	return s, nil
}

func (c *memoryCatalog) SKUConfig(_ context.Context, warehouseID, skuID int64, date time.Time) (masterdata.SKUConfig, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matching := []masterdata.SKUConfig{}
	for _, cfg := range c.configs {
		if cfg.WarehouseID == warehouseID && cfg.SKUID == skuID {
			matching = append(matching, cfg)
		}
	}
	cfg, ok := masterdata.ApplicableConfig(matching, date)
	return cfg, ok, nil
}

func (c *memoryCatalog) setUnitsPerCarton(skuID int64, units int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.skus[skuID]
	s.UnitsPerCarton = units
	c.skus[skuID] = s
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
