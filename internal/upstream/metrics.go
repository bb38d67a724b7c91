package upstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Metrics bundles collectors for outbound calls. A nil *Metrics is a no-op.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	coalesced    *prometheus.CounterVec
	decodeFails  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dankchat",
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "upstream",
			Name:      "coalesced_total",
			Help:      "Requests that shared an identical in-flight call",
		}, []string{"provider"}),
		decodeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "upstream",
			Name:      "decode_failures_total",
			Help:      "2xx responses whose body did not decode, counted per caller",
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.breakerState, m.coalesced, m.decodeFails)
	}
	return m
}

// observe records one upstream call by its transport/status outcome.
func (m *Metrics) observe(provider string, outcome Reason, dur time.Duration) {
	if m == nil {
		return
	}
	label := string(outcome)
	if outcome == ReasonNone {
		label = "ok"
	}
	m.requests.WithLabelValues(provider, label).Inc()
	m.duration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (m *Metrics) setBreaker(provider string, state gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(provider).Set(v)
}

func (m *Metrics) incCoalesced(provider string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(provider).Inc()
}

func (m *Metrics) incDecodeFailure(provider string) {
	if m == nil {
		return
	}
	m.decodeFails.WithLabelValues(provider).Inc()
}
