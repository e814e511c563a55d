// Command seed loads demo warehouses, SKUs and tariffs into an empty
// database. Warehouses that already exist are left untouched.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ledgerwise/wms/internal/app"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/money"
	"github.com/ledgerwise/wms/internal/platform/db"
	"github.com/ledgerwise/wms/internal/shared"
)

type seedRate struct {
	category masterdata.CostCategory
	name     string
	rate     string
	uom      string
}

type seedWarehouse struct {
	input masterdata.WarehouseInput
	rates []seedRate
}

var effective = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var warehouses = []seedWarehouse{
	{
		input: masterdata.WarehouseInput{Code: "FMC", Name: "FMC Tilbury"},
		rates: []seedRate{
			{masterdata.CategoryStorage, "Pallet Storage", "4.00", "pallet/week"},
			{masterdata.CategoryContainer, "Container Unloading", "250.00", "container"},
			{masterdata.CategoryCarton, "Carton Inbound Handling", "0.50", "carton"},
			{masterdata.CategoryShipment, "Shipment Processing", "5.00", "shipment"},
		},
	},
	{
		input: masterdata.WarehouseInput{Code: "AMZ-FBA", Name: "Amazon FBA Coventry", ChargeByVolume: true},
		rates: []seedRate{
			{masterdata.CategoryStorage, "Pallet Storage", "0.85", "cubic_foot/month"},
			{masterdata.CategoryCarton, "Carton Inbound Handling", "0.35", "carton"},
		},
	},
}

var skus = []masterdata.SKUInput{
	{Code: "SKU-MUG-12", Description: "Stoneware mug, 12 per carton", UnitsPerCarton: 12, CartonDimensionsCm: "40x30x25"},
	{Code: "SKU-LAMP-4", Description: "Desk lamp, 4 per carton", UnitsPerCarton: 4, CartonDimensionsCm: "60x40x40"},
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	svc := masterdata.NewService(masterdata.NewRepository(pool), shared.NewAuditLogger(pool), logger)
	if err := seed(ctx, svc, logger); err != nil {
		logger.Error("seed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete")
}

func seed(ctx context.Context, svc *masterdata.Service, logger *slog.Logger) error {
	existing, err := svc.Warehouses(ctx, false)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, wh := range existing {
		known[strings.ToUpper(wh.Code)] = true
	}

	var skuIDs []int64
	if len(existing) == 0 {
		for _, input := range skus {
			sku, err := svc.CreateSKU(ctx, input, 0)
			if err != nil {
				return err
			}
			skuIDs = append(skuIDs, sku.ID)
		}
	}

	for _, entry := range warehouses {
		if known[strings.ToUpper(entry.input.Code)] {
			logger.Info("warehouse exists, skipping", slog.String("code", entry.input.Code))
			continue
		}
		wh, err := svc.CreateWarehouse(ctx, entry.input, 0)
		if err != nil {
			return err
		}
		for _, r := range entry.rates {
			if _, err := svc.CreateRate(ctx, masterdata.RateInput{
				WarehouseID:   wh.ID,
				Category:      r.category,
				Name:          r.name,
				Rate:          money.MustParse(r.rate),
				UnitOfMeasure: r.uom,
				EffectiveDate: effective,
			}); err != nil {
				return err
			}
		}
		for _, skuID := range skuIDs {
			if _, err := svc.CreateSKUConfig(ctx, masterdata.SKUConfigInput{
				WarehouseID:   wh.ID,
				SKUID:         skuID,
				Storage:       40,
				Shipping:      50,
				EffectiveDate: effective,
			}); err != nil {
				return err
			}
		}
		logger.Info("seeded warehouse", slog.String("code", wh.Code), slog.Int("rates", len(entry.rates)))
	}
	return nil
}
