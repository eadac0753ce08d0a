package channel

import (
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露 messages_sent / messages_received / messages_dropped / legacy_id_fallback。
type Metrics struct {
	sent      *prometheus.CounterVec
	received  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	fallbacks prometheus.Counter
}

// NewMetrics 在注册器中注册通道指标，reg 为空则使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Messages posted to the embedded context",
		}, []string{"channel", "type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Messages accepted from the embedded context",
		}, []string{"channel", "type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "channel",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped before dispatch",
		}, []string{"channel", "reason"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "channel",
			Name:      "legacy_id_fallback_total",
			Help:      "Legacy numeric ids translated without a known mapping",
		}),
	}
	reg.MustRegister(m.sent, m.received, m.dropped, m.fallbacks)
	return m
}

// FallbackHook 返回可交给 codec.WithFallbackHook 的计数回调。
func (m *Metrics) FallbackHook() func(message.LegacyKind, uint64) {
	return func(message.LegacyKind, uint64) {
		if m == nil {
			return
		}
		m.fallbacks.Inc()
	}
}

func (m *Metrics) incSent(channel string, t message.Type) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(channel, string(t)).Inc()
}

func (m *Metrics) incReceived(channel string, t message.Type) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel, string(t)).Inc()
}

func (m *Metrics) incDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel, reason).Inc()
}
