package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/ledgerwise/wms/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault:     3,
			QueueMaintenance: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", slog.String("task", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("register %s: %w", entry.Task.Type(), err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueStorageRun enqueues a storage calculation. A zero warehouse means all.
func (c *Client) EnqueueStorageRun(ctx context.Context, warehouseID int64) (*asynq.TaskInfo, error) {
	task, err := NewStorageWeeklyTask(warehouseID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueReconciliation enqueues a reconciliation run for a period key.
func (c *Client) EnqueueReconciliation(ctx context.Context, warehouseID int64, period string) (*asynq.TaskInfo, error) {
	task, err := NewReconciliationTask(warehouseID, period)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueGenerateCosts enqueues per-transaction cost generation.
func (c *Client) EnqueueGenerateCosts(ctx context.Context, warehouseID int64, period string) (*asynq.TaskInfo, error) {
	task, err := NewGenerateCostsTask(warehouseID, period)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueuer is the subset of Client the HTTP handler needs.
type Enqueuer interface {
	EnqueueStorageRun(ctx context.Context, warehouseID int64) (*asynq.TaskInfo, error)
	EnqueueReconciliation(ctx context.Context, warehouseID int64, period string) (*asynq.TaskInfo, error)
	EnqueueGenerateCosts(ctx context.Context, warehouseID int64, period string) (*asynq.TaskInfo, error)
}

// QueueInspector reports queue depth.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability and manual triggers.
type Handler struct {
	inspector QueueInspector
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. Either dependency
// may be nil.
func NewHandler(inspector QueueInspector, enqueuer Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, enqueuer: enqueuer, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/storage", h.enqueue(TaskStorageWeekly))
	r.Post("/reconciliation", h.enqueue(TaskReconciliationRun))
	r.Post("/costs", h.enqueue(TaskGenerateCosts))
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Retry   int    `json:"retry"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues := []string{QueueDefault, QueueMaintenance}
	out := make([]queueHealth, 0, len(queues))
	for _, name := range queues {
		if h.inspector == nil {
			out = append(out, queueHealth{Queue: name})
			continue
		}
		info, err := h.inspector.GetQueueInfo(name)
		if err != nil {
			h.logger.Warn("jobs health", slog.String("queue", name), slog.Any("error", err))
			httpx.RespondError(w, httpx.Tag(httpx.ErrUnavailable, err))
			return
		}
		entry := queueHealth{Queue: name}
		if info != nil {
			entry.Pending, entry.Active, entry.Retry = info.Pending, info.Active, info.Retry
		}
		out = append(out, entry)
	}
	httpx.JSON(w, http.StatusOK, out)
}

type enqueueRequest struct {
	WarehouseID int64  `json:"warehouse_id"`
	Period      string `json:"period"`
}

func (h *Handler) enqueue(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.enqueuer == nil {
			httpx.RespondError(w, fmt.Errorf("%w: job queue not configured", httpx.ErrUnavailable))
			return
		}
		var req enqueueRequest
		if r.ContentLength != 0 {
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.RespondError(w, err)
				return
			}
		}
		if req.WarehouseID < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: warehouse_id must not be negative", httpx.ErrValidation))
			return
		}
		if req.Period != "" {
			if _, err := resolvePeriod(req.Period, time.Now()); err != nil {
				httpx.RespondError(w, httpx.Tag(httpx.ErrValidation, err))
				return
			}
		}
		var (
			info *asynq.TaskInfo
			err  error
		)
		switch taskType {
		case TaskStorageWeekly:
			info, err = h.enqueuer.EnqueueStorageRun(r.Context(), req.WarehouseID)
		case TaskReconciliationRun:
			info, err = h.enqueuer.EnqueueReconciliation(r.Context(), req.WarehouseID, req.Period)
		case TaskGenerateCosts:
			info, err = h.enqueuer.EnqueueGenerateCosts(r.Context(), req.WarehouseID, req.Period)
		}
		if err != nil {
			h.logger.Error("enqueue task", slog.String("task", taskType), slog.Any("error", err))
			httpx.RespondError(w, httpx.Tag(httpx.ErrUnavailable, err))
			return
		}
		body := map[string]string{"task": taskType}
		if info != nil {
			body["id"] = info.ID
			body["queue"] = info.Queue
		}
		httpx.JSON(w, http.StatusAccepted, body)
	}
}
