package channel

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/codec"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// Handler 接收一条已解码、已通过来源校验的当前协议消息。
type Handler func(message.Message)

// Channel 是与嵌入上下文之间的双向消息通道。
type Channel interface {
	// Initialize 开始接收消息，重复调用不产生副作用。
	Initialize() error
	// Send 投递一条消息，未初始化时返回 CONNECTION_DESTROYED。
	Send(m message.Message) error
	// OnMessage 注册处理器，返回取消函数。
	OnMessage(h Handler) (unsubscribe func())
	// Destroy 释放资源，之后可以重新 Initialize。
	Destroy()
}

var errNotInitialized = message.NewError(message.CodeConnectionDestroyed, "channel not initialized")

// Option 自定义通道实现。
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *Metrics
	label      string
	translator *codec.Translator
	legacy     *bool
	validate   func(message.Message) bool
	bufferSize int
	rateLimit  float64
	rateBurst  int
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics 共享一组通道指标。
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLabel 指定指标与日志中的通道名称。
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// WithTranslator 使用指定的格式转换器（及其 id 映射表）。
func WithTranslator(t *codec.Translator) Option {
	return func(o *options) { o.translator = t }
}

// WithLegacyFormat 决定出站消息是否写成旧版协议。
func WithLegacyFormat(enabled bool) Option {
	return func(o *options) { o.legacy = &enabled }
}

// WithValidator 在分发前额外校验消息，返回 false 的消息被丢弃。
func WithValidator(fn func(message.Message) bool) Option {
	return func(o *options) { o.validate = fn }
}

// WithBufferSize 设置初始化前缓冲的最大消息数。
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithRateLimit 限制入站消息速率，limit<=0 表示不限。
func WithRateLimit(limit float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

func buildOptions(label string, legacy bool, opts []Option) options {
	o := options{label: label, bufferSize: 256}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.translator == nil {
		o.translator = codec.NewTranslator(nil,
			codec.WithLogger(o.logger),
			codec.WithFallbackHook(o.metrics.FallbackHook()),
		)
	}
	if o.legacy == nil {
		o.legacy = &legacy
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 256
	}
	if o.rateBurst <= 0 {
		o.rateBurst = 1
	}
	return o
}

// handlerSet 保存订阅者，按注册顺序分发。
type handlerSet struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]Handler
}

func (s *handlerSet) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *handlerSet) snapshot() []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[id])
	}
	return out
}

func (s *handlerSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

func (s *handlerSet) dispatch(m message.Message) {
	for _, h := range s.snapshot() {
		h(m)
	}
}
