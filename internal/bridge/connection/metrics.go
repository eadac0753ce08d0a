package connection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露 state / handshakes_total / handshake_latency_ms。
type Metrics struct {
	state     prometheus.Gauge
	handshake *prometheus.CounterVec
	latency   prometheus.Histogram
}

// NewMetrics 注册连接指标，reg 为空则使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state: 0 uninitialized, 1 initializing, 2 ready, 3 destroyed",
		}),
		handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "connection",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "connection",
			Name:      "handshake_latency_ms",
			Help:      "Time from SYN to ready in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
	reg.MustRegister(m.state, m.handshake, m.latency)
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) observeHandshake(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handshake.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.latency.Observe(d.Seconds() * 1000)
	}
}
