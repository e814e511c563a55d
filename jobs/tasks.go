package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerwise/wms/internal/jobs"
	"github.com/ledgerwise/wms/internal/shared"
)

const (
	// QueueDefault is the queue for scheduled billing work.
	QueueDefault = "default"
	// QueueMaintenance carries housekeeping tasks.
	QueueMaintenance = "maintenance"

	// PeriodCurrent resolves to the billing period containing now.
	PeriodCurrent = "current"
	// PeriodPrevious resolves to the billing period before the current one.
	PeriodPrevious = "previous"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PeriodPayload scopes billing tasks to a warehouse and period. A zero
// WarehouseID means every active warehouse.
type PeriodPayload struct {
	WarehouseID int64  `json:"warehouse_id,omitempty"`
	Period      string `json:"period,omitempty"`
}

func (p PeriodPayload) scope() *int64 {
	if p.WarehouseID <= 0 {
		return nil
	}
	id := p.WarehouseID
	return &id
}

// resolvePeriod accepts "current", "previous" or a "YYYY-MM" month key.
func resolvePeriod(raw string, now time.Time) (shared.BillingPeriod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", PeriodCurrent:
		return shared.PeriodFor(now), nil
	case PeriodPrevious:
		return shared.PeriodFor(now).Previous(), nil
	}
	return shared.PeriodFromMonth(strings.TrimSpace(raw))
}

func decodePayload(task *asynq.Task) (PeriodPayload, error) {
	var payload PeriodPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", task.Type(), err)
	}
	if payload.WarehouseID < 0 {
		return payload, fmt.Errorf("%s: warehouse_id must not be negative", task.Type())
	}
	return payload, nil
}

func newTask(taskType string, payload any, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(queue)), nil
}

// NewStorageWeeklyTask creates the weekly storage calculation task.
func NewStorageWeeklyTask(warehouseID int64) (*asynq.Task, error) {
	return newTask(TaskStorageWeekly, PeriodPayload{WarehouseID: warehouseID}, QueueDefault)
}

// NewReconciliationTask creates a reconciliation run task. Period defaults to
// "previous" so the mid-month schedule closes the period that just ended.
func NewReconciliationTask(warehouseID int64, period string) (*asynq.Task, error) {
	if period == "" {
		period = PeriodPrevious
	}
	return newTask(TaskReconciliationRun, PeriodPayload{WarehouseID: warehouseID, Period: period}, QueueDefault)
}

// NewGenerateCostsTask creates a per-transaction cost generation task.
func NewGenerateCostsTask(warehouseID int64, period string) (*asynq.Task, error) {
	if period == "" {
		period = PeriodCurrent
	}
	return newTask(TaskGenerateCosts, PeriodPayload{WarehouseID: warehouseID, Period: period}, QueueDefault)
}

// NewIdempotencyCleanupTask creates the idempotency key purge task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueMaintenance))
}
