package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/google/uuid"
)

// DefaultTimeout 是未指定超时时单次调用的等待上限。
const DefaultTimeout = 30 * time.Second

// Sender 投递一条 CALL，通常是握手引擎或通道的 Send。
type Sender func(message.Message) error

// Option 自定义 Correlator。
type Option func(*Correlator)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithMetrics 共享一组关联器指标。
func WithMetrics(m *Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithDefaultTimeout 修改默认调用超时。
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithIDGenerator 替换调用 id 生成器，测试用。
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) { c.newID = fn }
}

// CallOption 自定义单次调用。
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout 覆盖单次调用的超时。
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

type result struct {
	value json.RawMessage
	err   error
}

type pendingCall struct {
	id        string
	method    string
	createdAt time.Time
	timer     *time.Timer
	done      chan result
}

// Correlator 为每个出站调用分配唯一 id，并把入站 REPLY 按 id 匹配回调用方。
// 每条待决记录只会被移除一次：应答、超时、取消或销毁中先到者生效。
type Correlator struct {
	send           Sender
	logger         *slog.Logger
	metrics        *Metrics
	defaultTimeout time.Duration
	newID          func() string

	mu        sync.Mutex
	pending   map[string]*pendingCall
	destroyed bool
}

// New 创建 Correlator。
func New(send Sender, opts ...Option) *Correlator {
	c := &Correlator{
		send:           send,
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
		newID:          uuid.NewString,
		pending:        make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Call 发送一次调用并等待应答。ctx 取消时立即返回 ctx.Err()，迟到的应答会被丢弃。
func (c *Correlator) Call(ctx context.Context, methodPath []string, args []json.RawMessage, opts ...CallOption) (json.RawMessage, error) {
	if len(methodPath) == 0 {
		return nil, message.NewError(message.CodeInvalidArgument, "method path is empty")
	}
	o := callOptions{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = c.defaultTimeout
	}
	method := strings.Join(methodPath, ".")

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, message.NewError(message.CodeConnectionDestroyed, "connection destroyed before call "+method)
	}
	id := c.newID()
	for attempt := 0; c.pending[id] != nil; attempt++ {
		if attempt >= 8 {
			c.mu.Unlock()
			return nil, fmt.Errorf("allocate call id for %s: generator keeps colliding", method)
		}
		id = c.newID()
	}
	p := &pendingCall{id: id, method: method, createdAt: time.Now(), done: make(chan result, 1)}
	c.pending[id] = p
	timeout := o.timeout
	p.timer = time.AfterFunc(timeout, func() {
		err := message.NewError(message.CodeMethodCallTimeout, fmt.Sprintf("method call %s timed out after %s", method, timeout))
		c.settle(id, p, result{err: err}, "timeout")
	})
	c.mu.Unlock()
	c.metrics.incPending()

	if err := c.send(message.Call{ID: id, MethodPath: methodPath, Args: args}); err != nil {
		c.settle(id, p, result{err: err}, "send_error")
	}

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		if !c.settle(id, p, result{err: ctx.Err()}, "canceled") {
			// 取消与应答同时到达时以已写入的结果为准。
			r := <-p.done
			return r.value, r.err
		}
		return nil, ctx.Err()
	}
}

// HandleReply 把应答交给对应的待决调用。未知或迟到的应答返回 false 并被丢弃。
func (c *Correlator) HandleReply(r message.Reply) bool {
	c.mu.Lock()
	p := c.pending[r.CallID]
	c.mu.Unlock()
	if p == nil {
		c.logger.Debug("reply without pending call dropped", "call_id", r.CallID)
		return false
	}
	if r.IsError {
		return c.settle(r.CallID, p, result{err: newRemoteError(p.method, r)}, "remote_error")
	}
	return c.settle(r.CallID, p, result{value: r.Value}, "ok")
}

// Pending 返回尚未完成的调用数。
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Destroy 以 CONNECTION_DESTROYED 拒绝全部待决调用，之后的 Call 直接失败。
func (c *Correlator) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		c.finish(p, result{err: message.NewError(message.CodeConnectionDestroyed, "connection destroyed while waiting for "+p.method)}, "destroyed")
	}
	if len(pending) > 0 {
		c.logger.Info("pending calls rejected on destroy", "count", len(pending))
	}
}

// settle 在记录仍属于 p 时移除并完成它，保证每个 id 只完成一次。
func (c *Correlator) settle(id string, p *pendingCall, r result, outcome string) bool {
	c.mu.Lock()
	if c.pending[id] != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()
	p.timer.Stop()
	c.finish(p, r, outcome)
	return true
}

func (c *Correlator) finish(p *pendingCall, r result, outcome string) {
	p.done <- r
	c.metrics.decPending()
	c.metrics.observe(p.method, outcome, time.Since(p.createdAt))
	if outcome == "timeout" {
		c.logger.Warn("method call timed out", "method", p.method, "call_id", p.id)
	}
}
