package masterdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerwise/wms/internal/shared"
)

// RepositoryPort abstracts persistence for master data.
type RepositoryPort interface {
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	ListWarehouses(ctx context.Context, activeOnly bool) ([]Warehouse, error)
	InsertWarehouse(ctx context.Context, w Warehouse) (Warehouse, error)
	SetWarehouseActive(ctx context.Context, id int64, active bool) error
	GetSKU(ctx context.Context, id int64) (SKU, error)
	InsertSKU(ctx context.Context, s SKU) (SKU, error)
	UpdateSKUUnitsPerCarton(ctx context.Context, id int64, units int) error
	ListRates(ctx context.Context, warehouseID int64) ([]CostRate, error)
	ListSKUConfigs(ctx context.Context, warehouseID, skuID int64) ([]SKUConfig, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the writes that must happen together.
type TxRepository interface {
	LatestOpenRate(ctx context.Context, warehouseID int64, category CostCategory, name string) (CostRate, bool, error)
	CloseRate(ctx context.Context, id int64, end time.Time) error
	InsertRate(ctx context.Context, r CostRate) (CostRate, error)
	LatestOpenSKUConfig(ctx context.Context, warehouseID, skuID int64) (SKUConfig, bool, error)
	CloseSKUConfig(ctx context.Context, id int64, end time.Time) error
	InsertSKUConfig(ctx context.Context, c SKUConfig) (SKUConfig, error)
}

// Service manages warehouses, SKUs, tariffs and pallet configuration.
type Service struct {
	repo     RepositoryPort
	audit    shared.AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validate: validator.New()}
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Warehouse loads a warehouse by id.
func (s *Service) Warehouse(ctx context.Context, id int64) (Warehouse, error) {
	return s.repo.GetWarehouse(ctx, id)
}

// Warehouses lists warehouses.
func (s *Service) Warehouses(ctx context.Context, activeOnly bool) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx, activeOnly)
}

// SKU loads a SKU by id.
func (s *Service) SKU(ctx context.Context, id int64) (SKU, error) {
	return s.repo.GetSKU(ctx, id)
}

// CreateWarehouse registers a new active warehouse.
func (s *Service) CreateWarehouse(ctx context.Context, input WarehouseInput, actorID int64) (Warehouse, error) {
	if err := s.check(input); err != nil {
		return Warehouse{}, err
	}
	w, err := s.repo.InsertWarehouse(ctx, Warehouse{
		Code:           strings.ToUpper(strings.TrimSpace(input.Code)),
		Name:           strings.TrimSpace(input.Name),
		Active:         true,
		ChargeByVolume: input.ChargeByVolume,
	})
	if err != nil {
		return Warehouse{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID: actorID, Action: "warehouse:create", Entity: "warehouse", EntityID: idString(w.ID),
		After: map[string]any{"code": w.Code, "name": w.Name},
	})
	return w, nil
}

// DeactivateWarehouse soft-deletes a warehouse. Its ledger remains readable.
func (s *Service) DeactivateWarehouse(ctx context.Context, id, actorID int64) error {
	w, err := s.repo.GetWarehouse(ctx, id)
	if err != nil {
		return err
	}
	if !w.Active {
		return nil
	}
	if err := s.repo.SetWarehouseActive(ctx, id, false); err != nil {
		return err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID: actorID, Action: "warehouse:deactivate", Entity: "warehouse", EntityID: idString(id),
		Before: map[string]any{"active": true}, After: map[string]any{"active": false},
	})
	return nil
}

// CreateSKU registers a product.
func (s *Service) CreateSKU(ctx context.Context, input SKUInput, actorID int64) (SKU, error) {
	if err := s.check(input); err != nil {
		return SKU{}, err
	}
	sku, err := s.repo.InsertSKU(ctx, SKU{
		Code:               strings.TrimSpace(input.Code),
		Description:        input.Description,
		UnitsPerCarton:     input.UnitsPerCarton,
		CartonDimensionsCm: input.CartonDimensionsCm,
	})
	if err != nil {
		return SKU{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID: actorID, Action: "sku:create", Entity: "sku", EntityID: idString(sku.ID),
		After: map[string]any{"code": sku.Code, "units_per_carton": sku.UnitsPerCarton},
	})
	return sku, nil
}

// UpdateUnitsPerCarton changes the current master value. Recorded ledger
// transactions keep the value they captured.
func (s *Service) UpdateUnitsPerCarton(ctx context.Context, skuID int64, units int, actorID int64) (SKU, error) {
	if units <= 0 {
		return SKU{}, fmt.Errorf("%w: units_per_carton must be positive", ErrInvalidInput)
	}
	sku, err := s.repo.GetSKU(ctx, skuID)
	if err != nil {
		return SKU{}, err
	}
	before := sku.UnitsPerCarton
	if err := s.repo.UpdateSKUUnitsPerCarton(ctx, skuID, units); err != nil {
		return SKU{}, err
	}
	sku.UnitsPerCarton = units
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID: actorID, Action: "sku:units_per_carton", Entity: "sku", EntityID: idString(skuID),
		Before: map[string]any{"units_per_carton": before}, After: map[string]any{"units_per_carton": units},
	})
	return sku, nil
}

// CreateRate adds a tariff line effective from input.EffectiveDate and ends
// the previous open rate with the same category and name on that date.
func (s *Service) CreateRate(ctx context.Context, input RateInput) (CostRate, error) {
	if err := s.check(input); err != nil {
		return CostRate{}, err
	}
	category, ok := ParseCategory(string(input.Category))
	if !ok {
		return CostRate{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, input.Category)
	}
	if input.Rate.IsNegative() {
		return CostRate{}, fmt.Errorf("%w: rate must not be negative", ErrInvalidInput)
	}
	if _, err := s.repo.GetWarehouse(ctx, input.WarehouseID); err != nil {
		return CostRate{}, err
	}
	effective := shared.DateOf(input.EffectiveDate)
	name := strings.TrimSpace(input.Name)
	var created CostRate
	var closed *CostRate
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prev, found, err := tx.LatestOpenRate(ctx, input.WarehouseID, category, name)
		if err != nil {
			return err
		}
		if found {
			if !effective.After(prev.EffectiveDate) {
				return fmt.Errorf("%w: %s %q already effective from %s", ErrRateImmutable, category, name, prev.EffectiveDate.Format(shared.DateLayout))
			}
			if err := tx.CloseRate(ctx, prev.ID, effective); err != nil {
				return err
			}
			closed = &prev
		}
		created, err = tx.InsertRate(ctx, CostRate{
			WarehouseID:   input.WarehouseID,
			Category:      category,
			Name:          name,
			Rate:          input.Rate,
			UnitOfMeasure: input.UnitOfMeasure,
			EffectiveDate: effective,
		})
		return err
	})
	if err != nil {
		return CostRate{}, err
	}
	entry := shared.AuditLog{
		ActorID: input.ActorID, Action: "cost_rate:create", Entity: "cost_rate", EntityID: idString(created.ID),
		After: map[string]any{"category": string(category), "name": name, "rate": created.Rate.String(), "effective": effective.Format(shared.DateLayout)},
	}
	if closed != nil {
		entry.Before = map[string]any{"previous_id": closed.ID, "previous_rate": closed.Rate.String()}
	}
	shared.RecordAudit(ctx, s.audit, s.logger, entry)
	return created, nil
}

// CreateSKUConfig adds a pallet configuration, closing the previous open one.
func (s *Service) CreateSKUConfig(ctx context.Context, input SKUConfigInput) (SKUConfig, error) {
	if err := s.check(input); err != nil {
		return SKUConfig{}, err
	}
	effective := shared.DateOf(input.EffectiveDate)
	var created SKUConfig
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prev, found, err := tx.LatestOpenSKUConfig(ctx, input.WarehouseID, input.SKUID)
		if err != nil {
			return err
		}
		if found {
			if !effective.After(prev.EffectiveDate) {
				return fmt.Errorf("%w: configuration already effective from %s", ErrRateImmutable, prev.EffectiveDate.Format(shared.DateLayout))
			}
			if err := tx.CloseSKUConfig(ctx, prev.ID, effective); err != nil {
				return err
			}
		}
		created, err = tx.InsertSKUConfig(ctx, SKUConfig{
			WarehouseID:   input.WarehouseID,
			SKUID:         input.SKUID,
			Pallets:       PalletConfig{StorageCartonsPerPallet: input.Storage, ShippingCartonsPerPallet: input.Shipping},
			EffectiveDate: effective,
		})
		return err
	})
	if err != nil {
		return SKUConfig{}, err
	}
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID: input.ActorID, Action: "sku_config:create", Entity: "warehouse_sku_config", EntityID: idString(created.ID),
		After: map[string]any{"storage": input.Storage, "shipping": input.Shipping, "effective": effective.Format(shared.DateLayout)},
	})
	return created, nil
}

// RateBook loads every rate of a warehouse for a calculation run.
func (s *Service) RateBook(ctx context.Context, warehouseID int64) (RateBook, error) {
	rates, err := s.repo.ListRates(ctx, warehouseID)
	if err != nil {
		return RateBook{}, err
	}
	return NewRateBook(warehouseID, rates), nil
}

// SKUConfig resolves the warehouse configuration active on date.
func (s *Service) SKUConfig(ctx context.Context, warehouseID, skuID int64, date time.Time) (SKUConfig, bool, error) {
	configs, err := s.repo.ListSKUConfigs(ctx, warehouseID, skuID)
	if err != nil {
		return SKUConfig{}, false, err
	}
	cfg, ok := ApplicableConfig(configs, shared.DateOf(date))
	return cfg, ok, nil
}
