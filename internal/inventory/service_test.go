package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/platform/db"
)

var fastRetry = db.RetryPolicy{MaxTries: 4, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func day(d int) time.Time { return time.Date(2025, time.January, d, 0, 0, 0, 0, time.UTC) }

func newTestService(t *testing.T) (*Service, *memoryRepo, *memoryCatalog) {
	t.Helper()
	repo := newMemoryRepo()
	catalog := newCatalog()
	svc := NewService(repo, catalog, nil, &memoryIdempotency{}, ServiceConfig{Retry: fastRetry})
	return svc, repo, catalog
}

var keyA = BalanceKey{WarehouseID: 1, SKUID: 10, BatchLot: "B1"}

func receive(cartons int64, d time.Time) RecordInput {
	return RecordInput{Type: TypeReceive, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: cartons, TransactionDate: d}
}

func ship(cartons int64, d time.Time) RecordInput {
	return RecordInput{Type: TypeShip, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsOut: cartons, TransactionDate: d}
}

func TestRecordReceiveAndShip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	txn, bal, err := svc.RecordTransaction(ctx, receive(100, day(2)))
	require.NoError(t, err)
	require.Equal(t, "TXN-20250102-FMC-SKU-A-B1-000001", txn.TransactionID)
	require.Equal(t, 10, txn.UnitsPerCarton)
	require.EqualValues(t, 100, bal.CurrentCartons)
	require.EqualValues(t, 1000, bal.CurrentUnits)
	require.EqualValues(t, 1, bal.Version)

	_, bal, err = svc.RecordTransaction(ctx, ship(30, day(3)))
	require.NoError(t, err)
	require.EqualValues(t, 70, bal.CurrentCartons)
	require.EqualValues(t, 700, bal.CurrentUnits)
	require.Equal(t, day(3), *bal.LastTransactionDate)
}

func TestShipRejectsOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.RecordTransaction(ctx, receive(10, day(2)))
	require.NoError(t, err)

	_, _, err = svc.RecordTransaction(ctx, ship(11, day(3)))
	require.ErrorIs(t, err, ErrInsufficientInventory)
	var short *InsufficientInventoryError
	require.True(t, errors.As(err, &short))
	require.EqualValues(t, 10, short.Available)
	require.EqualValues(t, 11, short.Requested)

	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal.CurrentCartons)
}

func TestShipFromUnknownBatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.RecordTransaction(context.Background(), ship(1, day(2)))
	require.ErrorIs(t, err, ErrInsufficientInventory)
}

func TestValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cases := map[string]RecordInput{
		"unknown type":      {Type: "LOSE", WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 1, TransactionDate: day(1)},
		"receive with out":  {Type: TypeReceive, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 1, CartonsOut: 1, TransactionDate: day(1)},
		"ship without out":  {Type: TypeShip, WarehouseID: 1, SKUID: 10, BatchLot: "B1", TransactionDate: day(1)},
		"transfer both":     {Type: TypeTransfer, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 1, CartonsOut: 1, TransactionDate: day(1)},
		"missing batch":     {Type: TypeReceive, WarehouseID: 1, SKUID: 10, CartonsIn: 1, TransactionDate: day(1)},
		"missing date":      {Type: TypeReceive, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 1},
		"negative cartons":  {Type: TypeAdjustIn, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: -5, TransactionDate: day(1)},
		"inactive location": {Type: TypeReceive, WarehouseID: 2, SKUID: 10, BatchLot: "B1", CartonsIn: 1, TransactionDate: day(1)},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.RecordTransaction(ctx, input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	_, _, err := svc.RecordTransaction(ctx, RecordInput{Type: TypeReceive, WarehouseID: 1, SKUID: 99, BatchLot: "B1", CartonsIn: 1, TransactionDate: day(1)})
	require.ErrorIs(t, err, masterdata.ErrSKUNotFound)
}

func TestConcurrentShipsNeverOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.RecordTransaction(ctx, receive(100, day(1)))
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.RecordTransaction(ctx, ship(30, day(2)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientInventory):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, ok)
	require.Equal(t, 2, rejected)
	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal.CurrentCartons)
}

func TestConcurrentAdjustmentsAllApply(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.RecordTransaction(ctx, receive(100, day(1)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.RecordTransaction(ctx, RecordInput{Type: TypeAdjustIn, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 5, TransactionDate: day(2)})
			if err != nil {
				t.Errorf("adjust: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 150, bal.CurrentCartons)
	require.EqualValues(t, 11, bal.Version)

	history, err := repo.History(ctx, keyA, time.Time{})
	require.NoError(t, err)
	require.Equal(t, bal.CurrentCartons, Replay(keyA, history).CurrentCartons)
}

func TestReplayMatchesLiveProjection(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	inputs := []RecordInput{
		{Type: TypeReceive, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 45, TransactionDate: day(3), Pallets: masterdata.PalletConfig{StorageCartonsPerPallet: 20, ShippingCartonsPerPallet: 15}},
		ship(12, day(4)),
		{Type: TypeAdjustOut, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsOut: 3, TransactionDate: day(4)},
		{Type: TypeTransfer, WarehouseID: 1, SKUID: 10, BatchLot: "B1", CartonsIn: 7, TransactionDate: day(5)},
		// back-dated receipt
		receive(9, day(2)),
		ship(20, day(6)),
	}
	for _, in := range inputs {
		_, _, err := svc.RecordTransaction(ctx, in)
		require.NoError(t, err)
	}
	live, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	history, err := repo.History(ctx, keyA, time.Time{})
	require.NoError(t, err)
	replayed := withPallets(Replay(keyA, history), masterdata.PalletConfig{})

	require.Equal(t, live.CurrentCartons, replayed.CurrentCartons)
	require.Equal(t, live.CurrentUnits, replayed.CurrentUnits)
	require.Equal(t, live.CurrentPallets, replayed.CurrentPallets)
	require.EqualValues(t, 26, live.CurrentCartons)
	require.EqualValues(t, 2, live.CurrentPallets)
	require.Equal(t, day(6), *live.LastTransactionDate)
}

func TestUnitsPerCartonCapturedOnTransaction(t *testing.T) {
	svc, repo, catalog := newTestService(t)
	ctx := context.Background()

	_, bal, err := svc.RecordTransaction(ctx, receive(100, day(1)))
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.CurrentUnits)

	catalog.setUnitsPerCarton(10, 12)

	txn, bal, err := svc.RecordTransaction(ctx, receive(10, day(2)))
	require.NoError(t, err)
	require.Equal(t, 12, txn.UnitsPerCarton)
	require.EqualValues(t, 1120, bal.CurrentUnits)

	history, err := repo.History(ctx, keyA, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 10, history[0].UnitsPerCarton)

	rebuilt, err := svc.RebuildBalance(ctx, keyA, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1120, rebuilt.CurrentUnits)
}

func TestShipAfterUnitsChangeUsesReceivedValue(t *testing.T) {
	svc, _, catalog := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordTransaction(ctx, receive(100, day(1)))
	require.NoError(t, err)
	catalog.setUnitsPerCarton(10, 12)

	txn, bal, err := svc.RecordTransaction(ctx, ship(30, day(2)))
	require.NoError(t, err)
	require.Equal(t, 10, txn.UnitsPerCarton)
	require.EqualValues(t, 700, bal.CurrentUnits)

	_, bal, err = svc.RecordTransaction(ctx, ship(70, day(3)))
	require.NoError(t, err)
	require.Zero(t, bal.CurrentCartons)
	require.Zero(t, bal.CurrentUnits)

	txn, bal, err = svc.RecordTransaction(ctx, receive(5, day(4)))
	require.NoError(t, err)
	require.Equal(t, 12, txn.UnitsPerCarton)
	require.EqualValues(t, 60, bal.CurrentUnits)
	upc, ok := bal.ReceivedUnitsPerCarton()
	require.True(t, ok)
	require.Equal(t, 12, upc)

	txn, bal, err = svc.RecordTransaction(ctx, ship(1, day(5)))
	require.NoError(t, err)
	require.Equal(t, 12, txn.UnitsPerCarton)
	require.EqualValues(t, 48, bal.CurrentUnits)

	rebuilt, err := svc.RebuildBalance(ctx, keyA, 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, rebuilt.CurrentCartons)
	require.EqualValues(t, 48, rebuilt.CurrentUnits)
}

func TestBalanceAsOf(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, in := range []RecordInput{receive(100, day(1)), ship(20, day(2)), receive(20, day(3)), receive(40, day(5)), ship(10, day(6))} {
		_, _, err := svc.RecordTransaction(ctx, in)
		require.NoError(t, err)
	}
	for asOf, want := range map[int]int64{2: 80, 3: 100, 4: 100, 5: 140, 31: 130} {
		got, err := svc.GetBalanceAsOf(ctx, keyA, day(asOf))
		require.NoError(t, err)
		require.Equal(t, want, got, "as of day %d", asOf)
	}
	got, err := svc.GetBalanceAsOf(ctx, keyA, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, got)

	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 130, bal.CurrentCartons)
}

func TestBalanceAsOfFloorsAtZero(t *testing.T) {
	// A shipment dated before the receipt that funded it.
	txs := []Transaction{
		{Seq: 1, Type: TypeReceive, CartonsIn: 50, TransactionDate: day(10)},
		{Seq: 2, Type: TypeShip, CartonsOut: 30, TransactionDate: day(5)},
	}
	require.Zero(t, BalanceAsOf(txs, day(7)))
	require.EqualValues(t, 20, BalanceAsOf(txs, day(10)))
}

func TestBatchConfigCapturedOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	first := receive(30, day(1))
	first.Pallets = masterdata.PalletConfig{StorageCartonsPerPallet: 20, ShippingCartonsPerPallet: 10}
	txn, bal, err := svc.RecordTransaction(ctx, first)
	require.NoError(t, err)
	require.EqualValues(t, 2, txn.StoragePalletsIn)
	require.EqualValues(t, 2, bal.CurrentPallets)

	second := receive(30, day(2))
	second.Pallets = masterdata.PalletConfig{StorageCartonsPerPallet: 60}
	txn, bal, err = svc.RecordTransaction(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 20, *txn.StorageCartonsPerPallet)
	require.Equal(t, 20, *bal.StorageCartonsPerPallet)
	require.EqualValues(t, 3, bal.CurrentPallets)

	cfg, ok, err := svc.FirstReceiveConfig(ctx, keyA, day(5))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, cfg.ShippingCartonsPerPallet)

	history, _ := repo.History(ctx, keyA, time.Time{})
	require.Equal(t, bal.StorageCartonsPerPallet, Replay(keyA, history).StorageCartonsPerPallet)
}

func TestWarehouseConfigFallback(t *testing.T) {
	svc, _, catalog := newTestService(t)
	ctx := context.Background()
	catalog.configs = append(catalog.configs, masterdata.SKUConfig{
		ID: 1, WarehouseID: 1, SKUID: 10,
		Pallets:       masterdata.PalletConfig{StorageCartonsPerPallet: 25, ShippingCartonsPerPallet: 25},
		EffectiveDate: day(1),
	})
	_, bal, err := svc.RecordTransaction(ctx, receive(60, day(3)))
	require.NoError(t, err)
	require.Nil(t, bal.StorageCartonsPerPallet)
	require.EqualValues(t, 3, bal.CurrentPallets)

	other := RecordInput{Type: TypeReceive, WarehouseID: 1, SKUID: 11, BatchLot: "X", CartonsIn: 60, TransactionDate: day(3)}
	_, bal, err = svc.RecordTransaction(ctx, other)
	require.NoError(t, err)
	require.Zero(t, bal.CurrentPallets)
}

func TestConflictRetriesThenSucceeds(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := newMemoryRepo()
	metrics := NewMetrics(reg)
	svc := NewService(repo, newCatalog(), nil, nil, ServiceConfig{Retry: fastRetry, Metrics: metrics})
	repo.failNext, repo.failErr = 2, &pgconn.PgError{Code: "40001"}

	_, bal, err := svc.RecordTransaction(context.Background(), receive(5, day(1)))
	require.NoError(t, err)
	require.EqualValues(t, 5, bal.CurrentCartons)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.retries))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.recorded.WithLabelValues("RECEIVE", "ok")))
}

func TestConflictRetriesExhausted(t *testing.T) {
	repo := newMemoryRepo()
	idem := &memoryIdempotency{}
	svc := NewService(repo, newCatalog(), nil, idem, ServiceConfig{Retry: fastRetry})
	repo.failNext, repo.failErr = 10, &pgconn.PgError{Code: "40P01"}

	in := receive(5, day(1))
	in.IdempotencyKey = "abc"
	_, _, err := svc.RecordTransaction(context.Background(), in)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, 6, repo.failNext)

	// the key is released so the client can retry
	repo.failNext = 0
	_, _, err = svc.RecordTransaction(context.Background(), in)
	require.NoError(t, err)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	in := receive(5, day(1))
	in.IdempotencyKey = "req-1"
	_, _, err := svc.RecordTransaction(ctx, in)
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, in)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 5, bal.CurrentCartons)
}

func TestRebuildAllRepairsDrift(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.RecordTransaction(ctx, receive(40, day(1)))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, RecordInput{Type: TypeReceive, WarehouseID: 1, SKUID: 11, BatchLot: "L9", CartonsIn: 8, TransactionDate: day(1)})
	require.NoError(t, err)

	repo.corrupt(keyA, 999)
	report, err := svc.RebuildAll(ctx, nil, 7)
	require.NoError(t, err)
	require.Equal(t, 2, report.Keys)
	require.Equal(t, []BalanceKey{keyA}, report.Drifted)

	bal, err := svc.GetCurrentBalance(ctx, keyA)
	require.NoError(t, err)
	require.EqualValues(t, 40, bal.CurrentCartons)
}

func TestMovementsAndPointInTime(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, in := range []RecordInput{
		receive(50, day(2)),
		ship(50, day(4)),
		{Type: TypeReceive, WarehouseID: 1, SKUID: 11, BatchLot: "L2", CartonsIn: 12, TransactionDate: day(3), Pallets: masterdata.PalletConfig{StorageCartonsPerPallet: 5}},
	} {
		_, _, err := svc.RecordTransaction(ctx, in)
		require.NoError(t, err)
	}

	list, err := svc.ListMovements(ctx, MovementFilter{From: day(1), To: day(3)})
	require.NoError(t, err)
	require.Equal(t, 2, list.Summary.Count)
	require.EqualValues(t, 62, list.Summary.NetChange)
	require.Equal(t, TypeReceive, list.Transactions[0].Type)

	_, err = svc.ListMovements(ctx, MovementFilter{From: day(5), To: day(1)})
	require.ErrorIs(t, err, ErrValidation)

	snapshot, err := svc.PointInTimeBalances(ctx, 1, day(3))
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	require.EqualValues(t, 3, snapshot[1].CurrentPallets)

	active, err := svc.ActiveBalances(ctx, nil)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "L2", active[0].BatchLot)
}
