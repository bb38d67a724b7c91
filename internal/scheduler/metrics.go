package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ticks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduled task ticks by job and result",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dankchat",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduled task latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.duration)
	}
	return m
}

func (m *Metrics) observe(job string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ticks.WithLabelValues(job, result).Inc()
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}
