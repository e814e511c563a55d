package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/platform/db"
	"github.com/ledgerwise/wms/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListKeys(ctx context.Context, warehouseID *int64) ([]BalanceKey, error)
	// History returns transactions of key dated on or before through (all
	// when through is zero), ordered by date then sequence.
	History(ctx context.Context, key BalanceKey, through time.Time) ([]Transaction, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Transaction, error)
}

// TxRepository exposes the operations of one unit of work.
type TxRepository interface {
	// LockForUpdate takes the exclusive lock for key and returns its current
	// projection, or ErrBalanceNotFound when the key has no row yet. The lock
	// is held until the unit of work ends.
	LockForUpdate(ctx context.Context, key BalanceKey) (Balance, error)
	NextSequence(ctx context.Context) (int64, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	History(ctx context.Context, key BalanceKey) ([]Transaction, error)
	SaveBalance(ctx context.Context, balance Balance) error
}

// CatalogPort resolves master data. *masterdata.Service satisfies it.
type CatalogPort interface {
	Warehouse(ctx context.Context, id int64) (masterdata.Warehouse, error)
	SKU(ctx context.Context, id int64) (masterdata.SKU, error)
	SKUConfig(ctx context.Context, warehouseID, skuID int64, date time.Time) (masterdata.SKUConfig, bool, error)
}

// IdempotencyPort guards client-supplied request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Invalidator is told when a movement lands in a billing period so cached
// cost summaries for it are dropped.
type Invalidator interface {
	Invalidate(ctx context.Context, warehouseID int64, period shared.BillingPeriod) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Retry       db.RetryPolicy
	Logger      *slog.Logger
	Metrics     *Metrics
	Invalidator Invalidator
	// IsConflict classifies retryable storage errors; defaults to db.IsConflict.
	IsConflict func(error) bool
	Clock      func() time.Time
}

// Service coordinates ledger operations.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogPort
	audit       shared.AuditRecorder
	idempotency IdempotencyPort
	invalidator Invalidator
	retry       db.RetryPolicy
	isConflict  func(error) bool
	logger      *slog.Logger
	metrics     *Metrics
	validate    *validator.Validate
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, audit shared.AuditRecorder, idem IdempotencyPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:        repo,
		catalog:     catalog,
		audit:       audit,
		idempotency: idem,
		invalidator: cfg.Invalidator,
		retry:       cfg.Retry,
		isConflict:  cfg.IsConflict,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		validate:    validator.New(),
		now:         cfg.Clock,
	}
	if s.isConflict == nil {
		s.isConflict = db.IsConflict
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) validateInput(input RecordInput) (RecordInput, error) {
	input.BatchLot = strings.TrimSpace(input.BatchLot)
	input.Type = TransactionType(strings.ToUpper(strings.TrimSpace(string(input.Type))))
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return input, invalid(strings.ToLower(fe.Field()), "failed "+fe.Tag())
		}
		return input, invalid("input", err.Error())
	}
	if input.TransactionDate.IsZero() {
		return input, invalid("transaction_date", "date required")
	}
	if !input.Type.Valid() {
		return input, invalid("type", fmt.Sprintf("unknown transaction type %q", input.Type))
	}
	in, out := input.CartonsIn, input.CartonsOut
	switch input.Type {
	case TypeReceive, TypeAdjustIn:
		if in <= 0 || out != 0 {
			return input, invalid("cartons", fmt.Sprintf("%s requires cartons_in > 0 and cartons_out = 0", input.Type))
		}
	case TypeShip, TypeAdjustOut:
		if out <= 0 || in != 0 {
			return input, invalid("cartons", fmt.Sprintf("%s requires cartons_out > 0 and cartons_in = 0", input.Type))
		}
	case TypeTransfer:
		if (in > 0) == (out > 0) {
			return input, invalid("cartons", "TRANSFER requires exactly one of cartons_in or cartons_out")
		}
	}
	if input.Pallets.StorageCartonsPerPallet < 0 || input.Pallets.ShippingCartonsPerPallet < 0 {
		return input, invalid("pallets", "cartons per pallet must be positive")
	}
	if input.Pallets.ShippingCartonsPerPallet > 0 && input.Pallets.StorageCartonsPerPallet == 0 {
		return input, invalid("pallets", "storage cartons per pallet required with shipping configuration")
	}
	input.TransactionDate = shared.DateOf(input.TransactionDate)
	return input, nil
}

// RecordTransaction appends a movement and updates the balance of its key in
// one unit of work. Outbound movements that exceed the balance are rejected
// with an *InsufficientInventoryError; nothing is clamped.
func (s *Service) RecordTransaction(ctx context.Context, input RecordInput) (Transaction, Balance, error) {
	started := s.now()
	input, err := s.validateInput(input)
	if err != nil {
		s.metrics.observe(input.Type, "invalid", started)
		return Transaction{}, Balance{}, err
	}
	wh, err := s.catalog.Warehouse(ctx, input.WarehouseID)
	if err != nil {
		return Transaction{}, Balance{}, err
	}
	if !wh.Active {
		return Transaction{}, Balance{}, invalid("warehouse_id", "warehouse "+wh.Code+" is inactive")
	}
	sku, err := s.catalog.SKU(ctx, input.SKUID)
	if err != nil {
		return Transaction{}, Balance{}, err
	}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, "ledger:"+input.IdempotencyKey, "inventory"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Transaction{}, Balance{}, ErrDuplicateRequest
			}
			return Transaction{}, Balance{}, err
		}
		insertedKey = true
	}

	key := BalanceKey{WarehouseID: input.WarehouseID, SKUID: input.SKUID, BatchLot: input.BatchLot}
	var recorded Transaction
	var before, after Balance
	err = s.inUnitOfWork(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockForUpdate(ctx, key)
		if errors.Is(err, ErrBalanceNotFound) {
			current = Balance{BalanceKey: key}
		} else if err != nil {
			return err
		}
		if input.CartonsOut > current.CurrentCartons {
			return &InsufficientInventoryError{Key: key, Available: current.CurrentCartons, Requested: input.CartonsOut}
		}
		seq, err := tx.NextSequence(ctx)
		if err != nil {
			return err
		}
		txn := buildTransaction(input, current, wh, sku, seq, s.now().UTC())
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		next := apply(current, txn)
		next, err = s.withFallbackPallets(ctx, next)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		if err := tx.SaveBalance(ctx, next); err != nil {
			return err
		}
		recorded, before, after = txn, current, next
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(context.WithoutCancel(ctx), "ledger:"+input.IdempotencyKey)
		}
		outcome := "error"
		switch {
		case errors.Is(err, ErrInsufficientInventory):
			outcome = "insufficient"
		case errors.Is(err, ErrConcurrencyConflict):
			outcome = "conflict"
		}
		s.metrics.observe(input.Type, outcome, started)
		return Transaction{}, Balance{}, err
	}
	s.metrics.observe(input.Type, "ok", started)
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, recorded.WarehouseID, shared.PeriodFor(recorded.TransactionDate)); err != nil {
			s.logger.Warn("invalidate cost summary", slog.Int64("warehouse_id", recorded.WarehouseID), slog.Any("error", err))
		}
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:" + string(recorded.Type),
		Entity:   "inventory_transaction",
		EntityID: recorded.TransactionID,
		Before:   map[string]any{"cartons": before.CurrentCartons, "units": before.CurrentUnits},
		After:    map[string]any{"cartons": after.CurrentCartons, "units": after.CurrentUnits, "pallets": after.CurrentPallets},
		Meta:     map[string]any{"key": key.String(), "transaction_date": recorded.TransactionDate.Format(shared.DateLayout)},
	})
	return recorded, after, nil
}

func buildTransaction(input RecordInput, current Balance, wh masterdata.Warehouse, sku masterdata.SKU, seq int64, now time.Time) Transaction {
	txn := Transaction{
		Seq:                  seq,
		TransactionID:        TransactionID(input.TransactionDate, wh.Code, sku.Code, input.BatchLot, seq),
		Type:                 input.Type,
		WarehouseID:          input.WarehouseID,
		SKUID:                input.SKUID,
		BatchLot:             input.BatchLot,
		CartonsIn:            input.CartonsIn,
		CartonsOut:           input.CartonsOut,
		StoragePalletsIn:     input.StoragePalletsIn,
		ShippingPalletsOut:   input.ShippingPalletsOut,
		UnitsPerCarton:       movementUnitsPerCarton(input.Type, current, sku),
		TransactionDate:      input.TransactionDate,
		ReferenceID:          input.ReferenceID,
		ContainerNumber:      input.ContainerNumber,
		TrackingNumber:       input.TrackingNumber,
		ShipName:             input.ShipName,
		ModeOfTransportation: input.ModeOfTransportation,
		CreatedByID:          input.ActorID,
		CreatedAt:            now,
	}
	// Once a batch has captured its ratios they are carried on every later
	// movement; the first RECEIVE with ratios is what captures them.
	cfg, captured := current.BatchConfig()
	if !captured && input.Type == TypeReceive && input.Pallets.IsSet() {
		cfg, captured = input.Pallets, true
	}
	if captured {
		txn.StorageCartonsPerPallet = intPtr(cfg.StorageCartonsPerPallet)
		if cfg.ShippingCartonsPerPallet > 0 {
			txn.ShippingCartonsPerPallet = intPtr(cfg.ShippingCartonsPerPallet)
		}
		if txn.Type == TypeReceive && txn.StoragePalletsIn == 0 {
			txn.StoragePalletsIn = PalletsFor(txn.CartonsIn, cfg.StorageCartonsPerPallet)
		}
	}
	return txn
}

// movementUnitsPerCarton is the SKU's current value for a RECEIVE and the
// batch's receive-time value for every other movement.
func movementUnitsPerCarton(t TransactionType, current Balance, sku masterdata.SKU) int {
	if t != TypeReceive {
		if upc, ok := current.ReceivedUnitsPerCarton(); ok {
			return upc
		}
	}
	return sku.UnitsPerCarton
}

func (s *Service) withFallbackPallets(ctx context.Context, b Balance) (Balance, error) {
	if _, ok := b.BatchConfig(); ok || b.LastTransactionDate == nil || s.catalog == nil {
		return withPallets(b, masterdata.PalletConfig{}), nil
	}
	cfg, found, err := s.catalog.SKUConfig(ctx, b.WarehouseID, b.SKUID, *b.LastTransactionDate)
	if err != nil {
		return b, err
	}
	if !found {
		return withPallets(b, masterdata.PalletConfig{}), nil
	}
	return withPallets(b, cfg.Pallets), nil
}

// inUnitOfWork runs fn in a transaction, retrying serialization conflicts
// with backoff and surfacing exhaustion as ErrConcurrencyConflict.
func (s *Service) inUnitOfWork(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	attempts := 0
	err := db.RetryConflicts(ctx, s.retry, s.isConflict, func() error {
		attempts++
		if attempts > 1 {
			s.metrics.retried()
		}
		return s.repo.WithTx(ctx, fn)
	})
	if errors.Is(err, db.ErrRetriesExhausted) {
		s.logger.Warn("ledger conflict retries exhausted", slog.Int("attempts", attempts), slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// GetCurrentBalance reads the projection row. A key with no history has a
// zero balance.
func (s *Service) GetCurrentBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	b, err := s.repo.GetBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{BalanceKey: key}, nil
	}
	return b, err
}

// GetBalanceAsOf replays movements dated on or before asOf.
func (s *Service) GetBalanceAsOf(ctx context.Context, key BalanceKey, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		return 0, invalid("as_of", "date required")
	}
	txs, err := s.repo.History(ctx, key, shared.DateOf(asOf))
	if err != nil {
		return 0, err
	}
	return BalanceAsOf(txs, asOf), nil
}

// FirstReceiveConfig finds the pallet ratios on the earliest RECEIVE of key
// dated on or before date.
func (s *Service) FirstReceiveConfig(ctx context.Context, key BalanceKey, date time.Time) (masterdata.PalletConfig, bool, error) {
	txs, err := s.repo.History(ctx, key, shared.DateOf(date))
	if err != nil {
		return masterdata.PalletConfig{}, false, err
	}
	for _, tx := range txs {
		if tx.Type != TypeReceive {
			continue
		}
		if cfg, ok := tx.PalletConfig(); ok {
			return cfg, true, nil
		}
	}
	return masterdata.PalletConfig{}, false, nil
}

// RebuildBalance recomputes the projection of key from its history under
// the key lock and persists it.
func (s *Service) RebuildBalance(ctx context.Context, key BalanceKey, actorID int64) (Balance, error) {
	var before, rebuilt Balance
	err := s.inUnitOfWork(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockForUpdate(ctx, key)
		if errors.Is(err, ErrBalanceNotFound) {
			current = Balance{BalanceKey: key}
		} else if err != nil {
			return err
		}
		history, err := tx.History(ctx, key)
		if err != nil {
			return err
		}
		next := Replay(key, history)
		next, err = s.withFallbackPallets(ctx, next)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		if len(history) == 0 && current.Version == 0 {
			before, rebuilt = current, current
			return nil
		}
		if err := tx.SaveBalance(ctx, next); err != nil {
			return err
		}
		before, rebuilt = current, next
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	if drifted(before, rebuilt) {
		s.logger.Warn("balance drift repaired", slog.String("key", key.String()),
			slog.Int64("stored_cartons", before.CurrentCartons), slog.Int64("replayed_cartons", rebuilt.CurrentCartons))
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   "inventory:rebuild",
		Entity:   "inventory_balance",
		EntityID: key.String(),
		Before:   map[string]any{"cartons": before.CurrentCartons, "units": before.CurrentUnits, "pallets": before.CurrentPallets},
		After:    map[string]any{"cartons": rebuilt.CurrentCartons, "units": rebuilt.CurrentUnits, "pallets": rebuilt.CurrentPallets},
	})
	return rebuilt, nil
}

func drifted(a, b Balance) bool {
	return a.CurrentCartons != b.CurrentCartons || a.CurrentUnits != b.CurrentUnits || a.CurrentPallets != b.CurrentPallets
}

// RebuildAll repairs every key of a warehouse (or all warehouses) and
// reports the keys whose stored projection differed from replay.
func (s *Service) RebuildAll(ctx context.Context, warehouseID *int64, actorID int64) (RebuildReport, error) {
	keys, err := s.repo.ListKeys(ctx, warehouseID)
	if err != nil {
		return RebuildReport{}, err
	}
	report := RebuildReport{Keys: len(keys), Drifted: []BalanceKey{}}
	for _, key := range keys {
		stored, err := s.GetCurrentBalance(ctx, key)
		if err != nil {
			return report, err
		}
		rebuilt, err := s.RebuildBalance(ctx, key, actorID)
		if err != nil {
			return report, fmt.Errorf("rebuild %s: %w", key, err)
		}
		if drifted(stored, rebuilt) {
			report.Drifted = append(report.Drifted, key)
		}
	}
	return report, nil
}

// ListMovements returns transactions in replay order with totals.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) (MovementList, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return MovementList{}, invalid("range", "end date before start date")
	}
	if !filter.From.IsZero() {
		filter.From = shared.DateOf(filter.From)
	}
	if !filter.To.IsZero() {
		filter.To = shared.DateOf(filter.To)
	}
	txs, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return MovementList{}, err
	}
	SortForReplay(txs)
	list := MovementList{Transactions: txs}
	for _, tx := range txs {
		list.Summary.TotalIn += tx.CartonsIn
		list.Summary.TotalOut += tx.CartonsOut
	}
	list.Summary.NetChange = list.Summary.TotalIn - list.Summary.TotalOut
	list.Summary.Count = len(txs)
	return list, nil
}

// PointInTimeBalances reports every batch of a warehouse with stock on asOf.
// Units use each movement's captured units-per-carton.
func (s *Service) PointInTimeBalances(ctx context.Context, warehouseID int64, asOf time.Time) ([]Balance, error) {
	if asOf.IsZero() {
		return nil, invalid("as_of", "date required")
	}
	txs, err := s.repo.ListMovements(ctx, MovementFilter{WarehouseID: &warehouseID, To: shared.DateOf(asOf)})
	if err != nil {
		return nil, err
	}
	SortForReplay(txs)
	byKey := map[BalanceKey]Balance{}
	for _, tx := range txs {
		b, ok := byKey[tx.Key()]
		if !ok {
			b = Balance{BalanceKey: tx.Key()}
		}
		byKey[tx.Key()] = apply(b, tx)
	}
	out := make([]Balance, 0, len(byKey))
	for _, b := range byKey {
		if b.CurrentCartons <= 0 {
			continue
		}
		cfg, _ := b.BatchConfig()
		out = append(out, withPallets(b, cfg))
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].BalanceKey, out[j].BalanceKey) })
	return out, nil
}

// ActiveBalances lists projection rows holding stock.
func (s *Service) ActiveBalances(ctx context.Context, warehouseID *int64) ([]Balance, error) {
	return s.repo.ListBalances(ctx, BalanceFilter{WarehouseID: warehouseID, PositiveOnly: true})
}

func lessKey(a, b BalanceKey) bool {
	if a.WarehouseID != b.WarehouseID {
		return a.WarehouseID < b.WarehouseID
	}
	if a.SKUID != b.SKUID {
		return a.SKUID < b.SKUID
	}
	return a.BatchLot < b.BatchLot
}
