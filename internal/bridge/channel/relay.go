package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"golang.org/x/time/rate"
)

// Poster 是宿主提供的中继投递端，只接受字符串。
type Poster interface {
	PostMessage(msg string) error
}

// PosterFunc 让普通函数实现 Poster。
type PosterFunc func(msg string) error

// PostMessage 调用 f。
func (f PosterFunc) PostMessage(msg string) error { return f(msg) }

// RelayChannel 通过宿主中继收发序列化字符串，默认以旧版协议出站。
// 初始化前收到的消息按到达顺序缓冲，初始化完成时一次性冲刷。
type RelayChannel struct {
	poster Poster
	opts   options

	handlers handlerSet
	limiter  atomic.Pointer[rate.Limiter]

	mu         sync.Mutex
	ready      bool
	delivering bool
	buffer     []string
}

// NewRelayChannel 构造中继通道。
func NewRelayChannel(poster Poster, opts ...Option) (*RelayChannel, error) {
	if poster == nil {
		return nil, message.NewError(message.CodeConnectionDestroyed, "invalid message poster provided")
	}
	c := &RelayChannel{
		poster: poster,
		opts:   buildOptions("relay", true, opts),
	}
	c.UpdateRateLimit(c.opts.rateLimit, c.opts.rateBurst)
	return c, nil
}

// UpdateRateLimit 热更新入站限速，limit<=0 关闭限速。
func (c *RelayChannel) UpdateRateLimit(limit float64, burst int) {
	if limit <= 0 {
		c.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// Initialize 允许出站并冲刷缓冲区。冲刷期间到达的消息排在缓冲消息之后。
func (c *RelayChannel) Initialize() error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	c.ready = true
	pending := len(c.buffer)
	c.mu.Unlock()
	if pending > 0 {
		c.opts.logger.Debug("flushing buffered relay messages", "count", pending)
	}
	for {
		c.mu.Lock()
		if !c.ready {
			c.mu.Unlock()
			return nil
		}
		batch := c.buffer
		c.buffer = nil
		if len(batch) == 0 {
			c.delivering = true
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		for _, raw := range batch {
			c.process(raw)
		}
	}
}

// HandleMessage 由宿主在中继收到字符串时调用。初始化前的消息全部进入有界缓冲，
// 限速只作用于初始化之后的投递。
func (c *RelayChannel) HandleMessage(raw string) {
	c.mu.Lock()
	if !c.delivering {
		if len(c.buffer) >= c.opts.bufferSize {
			c.mu.Unlock()
			c.opts.metrics.incDropped(c.opts.label, "buffer_full")
			c.opts.logger.Warn("relay buffer full, message dropped", "size", c.opts.bufferSize)
			return
		}
		c.buffer = append(c.buffer, raw)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if limiter := c.limiter.Load(); limiter != nil && !limiter.Allow() {
		c.opts.metrics.incDropped(c.opts.label, "rate_limited")
		return
	}
	c.process(raw)
}

// Send 序列化并交给宿主中继。DESTROY 在旧版格式下不发送。
func (c *RelayChannel) Send(m message.Message) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return errNotInitialized
	}
	data, err := encodeOutbound(&c.opts, m)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return message.WrapError(message.CodeTransmissionFailed, "encode message", err)
	}
	if err := c.poster.PostMessage(string(data)); err != nil {
		return message.WrapError(message.CodeTransmissionFailed, "post through relay", err)
	}
	c.opts.metrics.incSent(c.opts.label, m.Type())
	return nil
}

// OnMessage 注册消息处理器。
func (c *RelayChannel) OnMessage(h Handler) func() {
	return c.handlers.add(h)
}

// Destroy 清空处理器、缓冲区与 id 映射，通道回到可复用的未初始化状态。
func (c *RelayChannel) Destroy() {
	c.mu.Lock()
	c.ready = false
	c.delivering = false
	c.buffer = nil
	c.mu.Unlock()
	c.handlers.clear()
	c.opts.translator.IDs().Reset()
}

func (c *RelayChannel) process(raw string) {
	msg, err := decodeInbound(&c.opts, []byte(raw))
	if err != nil {
		c.opts.metrics.incDropped(c.opts.label, dropReason(err))
		c.opts.logger.Debug("relay message dropped", "err", err)
		return
	}
	if c.opts.validate != nil && !c.opts.validate(msg) {
		c.opts.metrics.incDropped(c.opts.label, "validator")
		return
	}
	c.opts.metrics.incReceived(c.opts.label, msg.Type())
	c.handlers.dispatch(msg)
}
