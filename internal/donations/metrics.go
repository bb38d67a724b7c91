package donations

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK                = "ok"
	outcomeLedgerUnavailable = "ledger_unavailable"
	outcomeStoreError        = "store_error"
)

type Metrics struct {
	runs        *prometheus.CounterVec
	duration    prometheus.Histogram
	inserts     prometheus.Counter
	unresolveds prometheus.Counter
	lastSuccess prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Reconciliation run latency",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "reconcile",
			Name:      "donors_inserted_total",
			Help:      "Donors persisted by reconciliation",
		}),
		unresolveds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "reconcile",
			Name:      "identity_unresolved_total",
			Help:      "Candidates dropped because no identity provider knew them",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dankchat",
			Subsystem: "reconcile",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.inserts, m.unresolveds, m.lastSuccess)
	}
	return m
}

func (m *Metrics) run(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) inserted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.inserts.Add(float64(n))
}

func (m *Metrics) unresolved() {
	if m == nil {
		return
	}
	m.unresolveds.Inc()
}

func (m *Metrics) succeeded(at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(at.Unix()))
}
