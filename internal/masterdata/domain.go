package masterdata

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerwise/wms/internal/money"
)

var (
	// ErrWarehouseNotFound indicates an unknown warehouse id or code.
	ErrWarehouseNotFound = errors.New("masterdata: warehouse not found")
	// ErrSKUNotFound indicates an unknown sku id or code.
	ErrSKUNotFound = errors.New("masterdata: sku not found")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("masterdata: invalid input")
	// ErrRateImmutable is returned when a new rate would rewrite an existing interval.
	ErrRateImmutable = errors.New("masterdata: rate intervals are immutable")
)

// Warehouse is a 3PL site. Warehouses are deactivated, never removed.
type Warehouse struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Active         bool      `json:"active"`
	ChargeByVolume bool      `json:"charge_by_volume"`
	CreatedAt      time.Time `json:"created_at"`
}

// VolumeBilled reports warehouses that charge storage by cubic feet instead
// of pallets. Marketplace fulfilment sites are detected by code or name.
func (w Warehouse) VolumeBilled() bool {
	return w.ChargeByVolume ||
		strings.Contains(strings.ToUpper(w.Code), "AMZN") ||
		strings.Contains(strings.ToLower(w.Name), "amazon")
}

// SKU is a product. UnitsPerCarton is the current value only; ledger
// transactions keep their own copy.
type SKU struct {
	ID                 int64     `json:"id"`
	Code               string    `json:"code"`
	Description        string    `json:"description"`
	UnitsPerCarton     int       `json:"units_per_carton"`
	CartonDimensionsCm string    `json:"carton_dimensions_cm"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const cubicCmPerCubicFoot = 28316.8

var (
	defaultCartonCubicFeet = decimal.RequireFromString("1.5")
	minCartonCubicFeet     = decimal.RequireFromString("0.1")
)

// CartonCubicFeet derives carton volume from "LxWxH" centimetres.
func (s SKU) CartonCubicFeet() decimal.Decimal {
	parts := strings.FieldsFunc(strings.ToLower(s.CartonDimensionsCm), func(r rune) bool {
		return r == 'x' || r == '*' || r == '×' || r == ' '
	})
	if len(parts) != 3 {
		return defaultCartonCubicFeet
	}
	volume := decimal.NewFromInt(1)
	for _, p := range parts {
		v, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil || !v.IsPositive() {
			return defaultCartonCubicFeet
		}
		volume = volume.Mul(v)
	}
	cuft := volume.DivRound(decimal.NewFromFloat(cubicCmPerCubicFoot), 4)
	if cuft.LessThan(minCartonCubicFeet) {
		return minCartonCubicFeet
	}
	return cuft
}

// CostCategory groups cost rates and calculated costs.
type CostCategory string

const (
	CategoryStorage     CostCategory = "Storage"
	CategoryContainer   CostCategory = "Container"
	CategoryPallet      CostCategory = "Pallet"
	CategoryCarton      CostCategory = "Carton"
	CategoryUnit        CostCategory = "Unit"
	CategoryShipment    CostCategory = "Shipment"
	CategoryAccessorial CostCategory = "Accessorial"
)

// Categories lists every cost category in reporting order.
func Categories() []CostCategory {
	return []CostCategory{CategoryStorage, CategoryContainer, CategoryPallet, CategoryCarton, CategoryUnit, CategoryShipment, CategoryAccessorial}
}

// ParseCategory matches a category case-insensitively.
func ParseCategory(s string) (CostCategory, bool) {
	for _, c := range Categories() {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, true
		}
	}
	return "", false
}

// CostRate is a tariff line valid over [EffectiveDate, EndDate).
type CostRate struct {
	ID            int64        `json:"id"`
	WarehouseID   int64        `json:"warehouse_id"`
	Category      CostCategory `json:"category"`
	Name          string       `json:"name"`
	Rate          money.Money  `json:"rate"`
	UnitOfMeasure string       `json:"unit_of_measure"`
	EffectiveDate time.Time    `json:"effective_date"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
}

// ActiveOn reports whether the rate applies on date.
func (r CostRate) ActiveOn(date time.Time) bool {
	return activeOn(r.EffectiveDate, r.EndDate, date)
}

// PalletConfig holds cartons-per-pallet ratios for storage and shipping.
type PalletConfig struct {
	StorageCartonsPerPallet  int `json:"storage_cartons_per_pallet"`
	ShippingCartonsPerPallet int `json:"shipping_cartons_per_pallet"`
}

// IsSet reports whether a storage ratio is present.
func (p PalletConfig) IsSet() bool { return p.StorageCartonsPerPallet > 0 }

// SKUConfig is the warehouse-level pallet configuration for a SKU, used when a
// batch carries none of its own.
type SKUConfig struct {
	ID            int64        `json:"id"`
	WarehouseID   int64        `json:"warehouse_id"`
	SKUID         int64        `json:"sku_id"`
	Pallets       PalletConfig `json:"pallets"`
	EffectiveDate time.Time    `json:"effective_date"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
}

// ActiveOn reports whether the configuration applies on date.
func (c SKUConfig) ActiveOn(date time.Time) bool {
	return activeOn(c.EffectiveDate, c.EndDate, date)
}

func activeOn(effective time.Time, end *time.Time, date time.Time) bool {
	if date.Before(effective) {
		return false
	}
	return end == nil || date.Before(*end)
}

// WarehouseInput creates a warehouse.
type WarehouseInput struct {
	Code           string `json:"code" validate:"required,max=32"`
	Name           string `json:"name" validate:"required,max=200"`
	ChargeByVolume bool   `json:"charge_by_volume"`
}

// SKUInput creates a SKU.
type SKUInput struct {
	Code               string `json:"code" validate:"required,max=64"`
	Description        string `json:"description" validate:"max=500"`
	UnitsPerCarton     int    `json:"units_per_carton" validate:"required,gt=0"`
	CartonDimensionsCm string `json:"carton_dimensions_cm" validate:"max=64"`
}

// RateInput creates a cost rate, closing out the previous open one.
type RateInput struct {
	WarehouseID   int64        `json:"warehouse_id" validate:"required,gt=0"`
	Category      CostCategory `json:"category" validate:"required"`
	Name          string       `json:"name" validate:"required,max=200"`
	Rate          money.Money  `json:"rate"`
	UnitOfMeasure string       `json:"unit_of_measure" validate:"max=50"`
	EffectiveDate time.Time    `json:"effective_date" validate:"required"`
	ActorID       int64        `json:"-"`
}

// SKUConfigInput creates a warehouse SKU configuration.
type SKUConfigInput struct {
	WarehouseID   int64     `json:"warehouse_id" validate:"required,gt=0"`
	SKUID         int64     `json:"sku_id" validate:"required,gt=0"`
	Storage       int       `json:"storage_cartons_per_pallet" validate:"required,gt=0"`
	Shipping      int       `json:"shipping_cartons_per_pallet" validate:"required,gt=0"`
	EffectiveDate time.Time `json:"effective_date" validate:"required"`
	ActorID       int64     `json:"-"`
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }
