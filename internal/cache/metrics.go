package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by every cache instance and labeled by cache name.
type Metrics struct {
	requests  *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	evictions *prometheus.CounterVec
	loads     *prometheus.HistogramVec
	entries   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result",
		}, []string{"cache", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Background refreshes started",
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries dropped after idle expiry",
		}, []string{"cache"}),
		loads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Subsystem: "cache",
			Name:      "load_duration_seconds",
			Help:      "Loader latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dankchat",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held",
		}, []string{"cache"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.refreshes, m.evictions, m.loads, m.entries)
	}
	return m
}

func (m *Metrics) hit(name string) { m.hits(name, 1) }

func (m *Metrics) miss(name string) { m.misses(name, 1) }

func (m *Metrics) hits(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.requests.WithLabelValues(name, "hit").Add(float64(n))
}

func (m *Metrics) misses(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.requests.WithLabelValues(name, "miss").Add(float64(n))
}

func (m *Metrics) refreshed(name string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(name).Inc()
}

func (m *Metrics) evicted(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) loaded(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) size(name string, n int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(name).Set(float64(n))
}
