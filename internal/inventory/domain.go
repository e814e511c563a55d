package inventory

import (
	"fmt"
	"time"

	"github.com/ledgerwise/wms/internal/masterdata"
)

// TransactionType enumerates ledger movements.
type TransactionType string

const (
	TypeReceive   TransactionType = "RECEIVE"
	TypeShip      TransactionType = "SHIP"
	TypeAdjustIn  TransactionType = "ADJUST_IN"
	TypeAdjustOut TransactionType = "ADJUST_OUT"
	// TypeTransfer moves cartons in or out of a batch; exactly one side is set.
	TypeTransfer TransactionType = "TRANSFER"
)

// Valid reports a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeReceive, TypeShip, TypeAdjustIn, TypeAdjustOut, TypeTransfer:
		return true
	}
	return false
}

// BalanceKey identifies one ledger: a batch of a SKU in a warehouse.
type BalanceKey struct {
	WarehouseID int64  `json:"warehouse_id"`
	SKUID       int64  `json:"sku_id"`
	BatchLot    string `json:"batch_lot"`
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.WarehouseID, k.SKUID, k.BatchLot)
}

// Transaction is an immutable ledger event. Seq is the insertion sequence
// used to order events that share a TransactionDate.
type Transaction struct {
	Seq                      int64           `json:"seq"`
	TransactionID            string          `json:"transaction_id"`
	Type                     TransactionType `json:"type"`
	WarehouseID              int64           `json:"warehouse_id"`
	SKUID                    int64           `json:"sku_id"`
	BatchLot                 string          `json:"batch_lot"`
	CartonsIn                int64           `json:"cartons_in"`
	CartonsOut               int64           `json:"cartons_out"`
	StoragePalletsIn         int64           `json:"storage_pallets_in"`
	ShippingPalletsOut       int64           `json:"shipping_pallets_out"`
	StorageCartonsPerPallet  *int            `json:"storage_cartons_per_pallet,omitempty"`
	ShippingCartonsPerPallet *int            `json:"shipping_cartons_per_pallet,omitempty"`
	UnitsPerCarton           int             `json:"units_per_carton"`
	TransactionDate          time.Time       `json:"transaction_date"`
	ReferenceID              string          `json:"reference_id,omitempty"`
	ContainerNumber          string          `json:"container_number,omitempty"`
	TrackingNumber           string          `json:"tracking_number,omitempty"`
	ShipName                 string          `json:"ship_name,omitempty"`
	ModeOfTransportation     string          `json:"mode_of_transportation,omitempty"`
	CreatedByID              int64           `json:"created_by_id"`
	CreatedAt                time.Time       `json:"created_at"`
}

// Key returns the ledger the transaction belongs to.
func (t Transaction) Key() BalanceKey {
	return BalanceKey{WarehouseID: t.WarehouseID, SKUID: t.SKUID, BatchLot: t.BatchLot}
}

// Delta is the signed carton movement.
func (t Transaction) Delta() int64 { return t.CartonsIn - t.CartonsOut }

// UnitsDelta is the signed unit movement at the captured units-per-carton.
func (t Transaction) UnitsDelta() int64 { return t.Delta() * int64(t.UnitsPerCarton) }

// PalletConfig returns the pallet ratios captured on the transaction.
func (t Transaction) PalletConfig() (masterdata.PalletConfig, bool) {
	if t.StorageCartonsPerPallet == nil || *t.StorageCartonsPerPallet <= 0 {
		return masterdata.PalletConfig{}, false
	}
	cfg := masterdata.PalletConfig{StorageCartonsPerPallet: *t.StorageCartonsPerPallet}
	if t.ShippingCartonsPerPallet != nil {
		cfg.ShippingCartonsPerPallet = *t.ShippingCartonsPerPallet
	}
	return cfg, true
}

// Balance is the projection of a ledger. Pallet ratios are set only when the
// batch captured them on a RECEIVE. UnitsPerCarton is the receive-time value
// outbound movements are converted at.
type Balance struct {
	BalanceKey
	CurrentCartons           int64      `json:"current_cartons"`
	CurrentPallets           int64      `json:"current_pallets"`
	CurrentUnits             int64      `json:"current_units"`
	StorageCartonsPerPallet  *int       `json:"storage_cartons_per_pallet,omitempty"`
	ShippingCartonsPerPallet *int       `json:"shipping_cartons_per_pallet,omitempty"`
	UnitsPerCarton           *int       `json:"units_per_carton,omitempty"`
	LastTransactionDate      *time.Time `json:"last_transaction_date,omitempty"`
	Version                  int64      `json:"version"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// BatchConfig returns the captured pallet configuration, if any.
func (b Balance) BatchConfig() (masterdata.PalletConfig, bool) {
	if b.StorageCartonsPerPallet == nil || *b.StorageCartonsPerPallet <= 0 {
		return masterdata.PalletConfig{}, false
	}
	cfg := masterdata.PalletConfig{StorageCartonsPerPallet: *b.StorageCartonsPerPallet}
	if b.ShippingCartonsPerPallet != nil {
		cfg.ShippingCartonsPerPallet = *b.ShippingCartonsPerPallet
	}
	return cfg, true
}

// ReceivedUnitsPerCarton returns the units-per-carton the batch was received at.
func (b Balance) ReceivedUnitsPerCarton() (int, bool) {
	if b.UnitsPerCarton == nil || *b.UnitsPerCarton <= 0 {
		return 0, false
	}
	return *b.UnitsPerCarton, true
}

// RecordInput is a request to append a movement.
type RecordInput struct {
	Type                 TransactionType         `json:"type" validate:"required"`
	WarehouseID          int64                   `json:"warehouse_id" validate:"required,gt=0"`
	SKUID                int64                   `json:"sku_id" validate:"required,gt=0"`
	BatchLot             string                  `json:"batch_lot" validate:"required,max=100"`
	CartonsIn            int64                   `json:"cartons_in" validate:"gte=0"`
	CartonsOut           int64                   `json:"cartons_out" validate:"gte=0"`
	TransactionDate      time.Time               `json:"transaction_date" validate:"required"`
	Pallets              masterdata.PalletConfig `json:"pallets"`
	StoragePalletsIn     int64                   `json:"storage_pallets_in" validate:"gte=0"`
	ShippingPalletsOut   int64                   `json:"shipping_pallets_out" validate:"gte=0"`
	ReferenceID          string                  `json:"reference_id" validate:"max=200"`
	ContainerNumber      string                  `json:"container_number" validate:"max=100"`
	TrackingNumber       string                  `json:"tracking_number" validate:"max=100"`
	ShipName             string                  `json:"ship_name" validate:"max=200"`
	ModeOfTransportation string                  `json:"mode_of_transportation" validate:"max=50"`
	IdempotencyKey       string                  `json:"idempotency_key" validate:"max=200"`
	ActorID              int64                   `json:"-"`
}

// MovementFilter selects transactions by business date, inclusive on both ends.
type MovementFilter struct {
	WarehouseID *int64
	SKUID       *int64
	From        time.Time
	To          time.Time
}

// MovementSummary totals a movement listing.
type MovementSummary struct {
	TotalIn   int64 `json:"total_in"`
	TotalOut  int64 `json:"total_out"`
	NetChange int64 `json:"net_change"`
	Count     int   `json:"count"`
}

// MovementList is an ordered listing with totals.
type MovementList struct {
	Transactions []Transaction   `json:"transactions"`
	Summary      MovementSummary `json:"summary"`
}

// BalanceFilter selects projection rows.
type BalanceFilter struct {
	WarehouseID  *int64
	PositiveOnly bool
}

// RebuildReport describes a repair pass.
type RebuildReport struct {
	Keys    int          `json:"keys"`
	Drifted []BalanceKey `json:"drifted"`
}
