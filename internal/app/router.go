package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/observability"
	"github.com/ledgerwise/wms/internal/platform/httpx"
	"github.com/ledgerwise/wms/internal/reconciliation"
	"github.com/ledgerwise/wms/internal/storageledger"
	"github.com/ledgerwise/wms/jobs"
)

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// Checks are probed by /healthz, keyed by dependency name.
	Checks map[string]Pinger

	InventoryHandler      *inventory.Handler
	StorageHandler        *storageledger.Handler
	CostingHandler        *costing.Handler
	ReconciliationHandler *reconciliation.Handler
	MasterDataHandler     *masterdata.Handler
	JobHandler            *jobs.Handler
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", healthHandler(params.Logger, params.Checks))

	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.StorageHandler != nil {
		r.Route("/finance/storage-ledger", params.StorageHandler.MountRoutes)
	}
	if params.CostingHandler != nil {
		r.Route("/costing", params.CostingHandler.MountRoutes)
	}
	if params.ReconciliationHandler != nil {
		r.Route("/reconciliation", params.ReconciliationHandler.MountRoutes)
	}
	if params.MasterDataHandler != nil {
		r.Route("/masterdata", params.MasterDataHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

// healthHandler probes every dependency concurrently. Any failure turns the
// response into a 503 that still lists each dependency's state.
func healthHandler(logger *slog.Logger, checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		states := make([]string, 0, len(checks))
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
			states = append(states, "ok")
		}
		var g errgroup.Group
		for i, name := range names {
			ping := checks[name]
			g.Go(func() error {
				if err := ping(ctx); err != nil {
					states[i] = "down"
					if logger != nil {
						logger.Warn("health check failed", slog.String("dependency", name), slog.Any("error", err))
					}
					return err
				}
				return nil
			})
		}
		status, code := "ok", http.StatusOK
		if err := g.Wait(); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		for i, name := range names {
			results[name] = states[i]
		}
		httpx.JSON(w, code, map[string]any{"status": status, "checks": results})
	}
}
