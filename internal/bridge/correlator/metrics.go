package correlator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露 pending_calls / calls_total / call_latency_ms。
type Metrics struct {
	pending prometheus.Gauge
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics 注册关联器指标，reg 为空则使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "correlator",
			Name:      "pending_calls",
			Help:      "Calls waiting for a correlated reply",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "correlator",
			Name:      "calls_total",
			Help:      "Completed remote calls by method and outcome",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "correlator",
			Name:      "call_latency_ms",
			Help:      "Time from CALL to settlement in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"method"}),
	}
	reg.MustRegister(m.pending, m.calls, m.latency)
	return m
}

func (m *Metrics) incPending() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) decPending() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

func (m *Metrics) observe(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds() * 1000)
}
