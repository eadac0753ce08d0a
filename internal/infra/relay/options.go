package relay

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// Option 自定义中继传输。
type Option func(*options)

type options struct {
	cfg         Config
	logger      *slog.Logger
	metrics     *Metrics
	dialer      ConnDialer
	dialOptions []grpc.DialOption
	onReset     func()
}

// WithConfig 覆盖默认配置。
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer 在 reg 上创建指标，nil 表示不采集。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.metrics = NewMetrics(reg)
		}
	}
}

// WithMetrics 共享已创建的指标。
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConnDialer 替换底层拨号，测试中用于 bufconn。
func WithConnDialer(d ConnDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDialOptions 追加 gRPC 拨号选项。
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithResetHook 在中继流断开后调用，通常用于销毁依赖该流的连接。
func WithResetHook(fn func()) Option {
	return func(o *options) { o.onReset = fn }
}

func buildOptions(opts []Option) options {
	o := options{cfg: DefaultConfig(), dialer: DialEndpoint}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.cfg = o.cfg.normalize()
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dialer == nil {
		o.dialer = DialEndpoint
	}
	return o
}

// sink 保存入站消息的投递目标，可在运行中替换。
type sink struct {
	mu sync.RWMutex
	fn func(string)
}

func (s *sink) set(fn func(string)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *sink) deliver(msg string) bool {
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}
