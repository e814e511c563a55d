package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts ledger writes. A nil *Metrics records nothing.
type Metrics struct {
	recorded *prometheus.CounterVec
	retries  prometheus.Counter
	latency  prometheus.Histogram
}

// NewMetrics registers ledger collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_ledger_transactions_total",
			Help: "Ledger movements by type and outcome.",
		}, []string{"type", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wms_ledger_conflict_retries_total",
			Help: "Units of work retried after a serialization conflict.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wms_ledger_record_duration_seconds",
			Help:    "Time spent recording one movement, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.recorded, m.retries, m.latency)
	}
	return m
}

func (m *Metrics) observe(t TransactionType, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(string(t), outcome).Inc()
	m.latency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
