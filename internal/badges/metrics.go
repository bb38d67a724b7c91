package badges

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	reloads *prometheus.CounterVec
	sizes   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dankchat",
			Subsystem: "badges",
			Name:      "list_reloads_total",
			Help:      "List file reloads by list and result",
		}, []string{"list", "result"}),
		sizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dankchat",
			Subsystem: "badges",
			Name:      "list_entries",
			Help:      "Entries in each reloadable list",
		}, []string{"list"}),
	}
	if reg != nil {
		reg.MustRegister(m.reloads, m.sizes)
	}
	return m
}

func (m *Metrics) reload(list string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reloads.WithLabelValues(list, result).Inc()
}

func (m *Metrics) size(list string, n int) {
	if m == nil {
		return
	}
	m.sizes.WithLabelValues(list).Set(float64(n))
}
