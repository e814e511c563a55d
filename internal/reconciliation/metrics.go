package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts reconciliation work. A nil *Metrics records nothing.
type Metrics struct {
	rows     *prometheus.CounterVec
	invoices *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers reconciliation collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_reconciliation_rows_total",
			Help: "Reconciliation rows written by status.",
		}, []string{"status"}),
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_reconciliation_invoices_total",
			Help: "Invoices visited by reconciliation runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wms_reconciliation_run_duration_seconds",
			Help:    "Wall time of a reconciliation run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rows, m.invoices, m.duration)
	}
	return m
}

func (m *Metrics) wrote(rows []Row) {
	if m == nil {
		return
	}
	for _, r := range rows {
		m.rows.WithLabelValues(string(r.Status)).Inc()
	}
}

func (m *Metrics) invoice(outcome string) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(outcome).Inc()
}

func (m *Metrics) run(started time.Time) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(started).Seconds())
}
