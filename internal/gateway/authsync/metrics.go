package authsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录凭据推送的队列深度、重试、失败与耗时。
type Metrics struct {
	queueDepth prometheus.Gauge
	enqueued   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    prometheus.Histogram
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "authsync",
			Name:      "queue_depth",
			Help:      "Players with an authentication push pending",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "authsync",
			Name:      "enqueued_total",
			Help:      "Authentication pushes accepted",
		}, []string{"reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "authsync",
			Name:      "retries_total",
			Help:      "Authentication pushes retried",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "authsync",
			Name:      "failures_total",
			Help:      "Authentication pushes abandoned after the last attempt",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "authsync",
			Name:      "latency_ms",
			Help:      "Latency of authentication pushes in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
	reg.MustRegister(m.queueDepth, m.enqueued, m.retries, m.failures, m.latency)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incEnqueued(reason string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) incRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) incFail(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) observeLatency(ms float64) {
	if m == nil {
		return
	}
	m.latency.Observe(ms)
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
