package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics 暴露 reconnects / stream_resets / breaker_state，按传输类型区分。
type Metrics struct {
	reconnects   *prometheus.CounterVec
	streamResets *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

// NewMetrics 在注册器中注册中继指标，reg 为空则使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Relay streams re-established after a break",
		}, []string{"transport"}),
		streamResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "stream_resets_total",
			Help:      "Relay streams that broke while in use",
		}, []string{"transport"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "relay",
			Name:      "breaker_state",
			Help:      "Relay circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"transport"}),
	}
	reg.MustRegister(m.reconnects, m.streamResets, m.breakerState)
	return m
}

func (m *Metrics) incReconnect(transport string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(transport).Inc()
}

func (m *Metrics) incStreamReset(transport string) {
	if m == nil {
		return
	}
	m.streamResets.WithLabelValues(transport).Inc()
}

func (m *Metrics) setBreaker(transport string, s BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(transport).Set(float64(s))
}
