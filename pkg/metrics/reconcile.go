package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics records outcomes of the subscription reconciliation sweep.
type ReconcileMetrics struct {
	duration    prometheus.Histogram
	scanned     prometheus.Counter
	transitions *prometheus.CounterVec
	rowFailures prometheus.Counter
}

// NewReconcileMetrics registers the sweep metrics on the provided registerer.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "subscription_reconcile_duration_seconds",
		Help:    "Duration of reconciliation sweeps in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	scanned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscription_reconcile_rows_scanned_total",
		Help: "Subscription rows examined by the sweep.",
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_reconcile_transitions_total",
		Help: "Corrective downgrades applied by the sweep.",
	}, []string{"from_status"})
	rowFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscription_reconcile_row_failures_total",
		Help: "Rows skipped because their corrective write failed.",
	})
	reg.MustRegister(duration, scanned, transitions, rowFailures)
	return &ReconcileMetrics{
		duration:    duration,
		scanned:     scanned,
		transitions: transitions,
		rowFailures: rowFailures,
	}
}

// ObserveSweep records the duration and scan size of one sweep.
func (m *ReconcileMetrics) ObserveSweep(d time.Duration, scanned int) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	m.scanned.Add(float64(scanned))
}

// IncTransition counts one corrective downgrade by originating status.
func (m *ReconcileMetrics) IncTransition(fromStatus string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(fromStatus).Inc()
}

// IncRowFailure counts one skipped row.
func (m *ReconcileMetrics) IncRowFailure() {
	if m == nil || m.rowFailures == nil {
		return
	}
	m.rowFailures.Inc()
}
