package httpapi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the HTTP API.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	setsRequested   prometheus.Histogram
	notFound        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dankchat",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		setsRequested: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Name:      "http_sets_requested",
			Help:      "Distinct set ids per /sets request",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		notFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Name:      "http_sets_not_found_total",
			Help:      "Lookups answered with 404 because no provider had the set",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.rateLimited,
			m.setsRequested,
			m.notFound,
		)
	}
	return m
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) observeSetsRequested(n int) {
	if m == nil {
		return
	}
	m.setsRequested.Observe(float64(n))
}

func (m *Metrics) incNotFound(route string) {
	if m == nil {
		return
	}
	m.notFound.WithLabelValues(route).Inc()
}
