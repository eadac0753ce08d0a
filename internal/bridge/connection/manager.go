package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/channel"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/handshake"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// State 是连接管理器的状态。
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ChannelFactory 为每次新连接创建一条未初始化的通道。
type ChannelFactory func(ctx context.Context) (channel.Channel, error)

// Option 自定义 Manager。
type Option func(*Manager)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegisterer 在 reg 上注册连接与关联器指标，nil 表示不采集。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		if reg == nil {
			return
		}
		m.metrics = NewMetrics(reg)
		m.callMetrics = correlator.NewMetrics(reg)
	}
}

// WithConfig 指定超时配置。
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg.normalize() }
}

// Manager 拥有通道、握手与关联器的生命周期。并发的 EnsureConnection 共用同一次握手，
// 失败后清除在飞记录，下一次调用从头重试。
type Manager struct {
	logger      *slog.Logger
	metrics     *Metrics
	callMetrics *correlator.Metrics
	group       singleflight.Group

	mu      sync.Mutex
	cfg     Config
	factory ChannelFactory
	state   State
	epoch   uint64
	live    *conn
	closed  bool
}

type conn struct {
	epoch       uint64
	ch          channel.Channel
	engine      *handshake.Engine
	corr        *correlator.Correlator
	unsubscribe func()
	remote      *Remote
	teardown    sync.Once
}

// NewManager 创建处于 Uninitialized 的管理器。
func NewManager(factory ChannelFactory, opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		cfg:     DefaultConfig(),
		factory: factory,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.metrics.setState(StateUninitialized)
	return m
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateConfig 热更新超时配置，对下一条连接生效。
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.normalize()
	m.mu.Unlock()
}

// EnsureConnection 返回已就绪的远端，必要时建立连接。ctx 只约束当前调用方的等待。
func (m *Manager) EnsureConnection(ctx context.Context) (*Remote, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, message.NewError(message.CodeConnectionDestroyed, "connection manager closed")
	}
	if m.state == StateReady && m.live != nil && m.live.remote != nil {
		remote := m.live.remote
		m.mu.Unlock()
		return remote, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	key := "connect/" + strconv.FormatUint(epoch, 10)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.connect(epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Remote), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(epoch uint64) (*Remote, error) {
	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		return nil, message.NewError(message.CodeConnectionDestroyed, "connection destroyed during setup")
	}
	if m.state == StateReady && m.live != nil && m.live.remote != nil {
		remote := m.live.remote
		m.mu.Unlock()
		return remote, nil
	}
	m.state = StateInitializing
	cfg := m.cfg
	factory := m.factory
	m.mu.Unlock()
	m.metrics.setState(StateInitializing)

	if factory == nil {
		m.resetState(epoch)
		return nil, message.NewError(message.CodeConnectionDestroyed, "no channel factory configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
	defer cancel()
	ch, err := factory(ctx)
	if err != nil {
		m.resetState(epoch)
		m.metrics.observeHandshake("channel_error", 0)
		return nil, message.WrapError(message.CodeConnectionDestroyed, "create channel", err)
	}

	c := &conn{epoch: epoch, ch: ch}
	c.engine = handshake.New(ch.Send, handshake.WithLogger(m.logger), handshake.WithTimeout(cfg.HandshakeTimeout))
	c.corr = correlator.New(c.engine.Send,
		correlator.WithLogger(m.logger),
		correlator.WithMetrics(m.callMetrics),
		correlator.WithDefaultTimeout(cfg.CallTimeout),
	)
	c.unsubscribe = ch.OnMessage(func(msg message.Message) { m.route(c, msg) })

	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		m.teardown(c, false)
		return nil, message.NewError(message.CodeConnectionDestroyed, "connection destroyed during setup")
	}
	m.live = c
	m.mu.Unlock()

	if err := ch.Initialize(); err != nil {
		m.teardown(c, false)
		m.metrics.observeHandshake("channel_error", 0)
		return nil, message.WrapError(message.CodeConnectionDestroyed, "initialize channel", err)
	}
	if err := c.engine.Start(); err != nil {
		m.teardown(c, false)
		m.metrics.observeHandshake("failed", 0)
		return nil, err
	}
	table, err := c.engine.Wait(context.Background())
	if err != nil {
		// 握手失败属于协议错误，整条连接作废。
		m.teardown(c, true)
		outcome := "failed"
		if code, _ := message.CodeOf(err); code == message.CodeConnectionTimeout {
			outcome = "timeout"
		}
		m.metrics.observeHandshake(outcome, 0)
		return nil, err
	}

	remote := &Remote{table: table, corr: c.corr}
	m.mu.Lock()
	if m.live != c {
		m.mu.Unlock()
		return nil, message.NewError(message.CodeConnectionDestroyed, "connection destroyed during handshake")
	}
	c.remote = remote
	m.state = StateReady
	m.mu.Unlock()
	m.metrics.setState(StateReady)
	m.metrics.observeHandshake("ok", c.engine.Elapsed())
	m.logger.Info("bridge connection ready", "connection", epoch, "methods", table.Len())
	return remote, nil
}

// route 按消息类型分发入站消息。
func (m *Manager) route(c *conn, msg message.Message) {
	switch v := msg.(type) {
	case message.Reply:
		c.corr.HandleReply(v)
	case message.Syn, message.Ack1, message.Ack2:
		c.engine.HandleMessage(v)
	case message.Call:
		// 宿主不暴露任何方法。
		text := fmt.Sprintf("method %s is not exposed by the host", strings.Join(v.MethodPath, "."))
		if err := c.ch.Send(message.ErrorReply(v.ID, message.CodeMethodNotFound, text)); err != nil {
			m.logger.Warn("reply to inbound call failed", "call_id", v.ID, "err", err)
		}
	case message.Destroy:
		m.logger.Info("embedded context destroyed the connection", "connection", c.epoch)
		m.mu.Lock()
		if m.live == c {
			m.live = nil
			if !m.closed {
				m.state = StateUninitialized
			}
		}
		m.mu.Unlock()
		m.teardown(c, false)
	}
}

// Destroy 拆除当前连接并回到 Uninitialized，之后可以重新建立连接。
func (m *Manager) Destroy() {
	m.mu.Lock()
	c := m.detachLocked()
	if !m.closed {
		m.state = StateUninitialized
	}
	m.mu.Unlock()
	m.metrics.setState(m.State())
	if c != nil {
		m.teardown(c, true)
		m.logger.Info("bridge connection destroyed", "connection", c.epoch)
	}
}

// SetChannelFactory 替换通道工厂并拆除现有连接，下一次 EnsureConnection 使用新工厂。
func (m *Manager) SetChannelFactory(f ChannelFactory) {
	m.mu.Lock()
	m.factory = f
	c := m.detachLocked()
	if !m.closed {
		m.state = StateUninitialized
	}
	m.mu.Unlock()
	m.metrics.setState(m.State())
	if c != nil {
		m.teardown(c, true)
		m.logger.Info("channel factory replaced, connection destroyed", "connection", c.epoch)
	}
}

// Close 终止管理器，此后所有调用返回 CONNECTION_DESTROYED。
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	c := m.detachLocked()
	m.state = StateDestroyed
	m.mu.Unlock()
	m.metrics.setState(StateDestroyed)
	if c != nil {
		m.teardown(c, true)
	}
}

func (m *Manager) detachLocked() *conn {
	m.epoch++
	c := m.live
	m.live = nil
	return c
}

func (m *Manager) resetState(epoch uint64) {
	m.mu.Lock()
	if m.epoch == epoch && !m.closed && m.live == nil {
		m.state = StateUninitialized
	}
	m.mu.Unlock()
	m.metrics.setState(m.State())
}

// teardown 只执行一次：拒绝待决调用并销毁通道，notify 为 true 时先通知对端。
func (m *Manager) teardown(c *conn, notify bool) {
	c.teardown.Do(func() {
		m.mu.Lock()
		if m.live == c {
			m.live = nil
			if !m.closed {
				m.state = StateUninitialized
			}
		}
		m.mu.Unlock()
		m.metrics.setState(m.State())

		if notify {
			if err := c.ch.Send(message.Destroy{}); err != nil {
				m.logger.Debug("destroy notification not delivered", "err", err)
			}
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.engine.Fail(message.NewError(message.CodeConnectionDestroyed, "connection destroyed"))
		c.corr.Destroy()
		c.ch.Destroy()
	})
}

// Remote 是握手完成后的远端：方法表加上一个关联器。
type Remote struct {
	table handshake.MethodTable
	corr  *correlator.Correlator
}

// Methods 返回对端声明的方法表。
func (r *Remote) Methods() handshake.MethodTable { return r.table }

// Has 报告对端是否声明了该方法路径。
func (r *Remote) Has(path ...string) bool { return r.table.Has(path...) }

// Call 调用对端方法。未声明的方法直接返回 METHOD_NOT_FOUND，不发送。
func (r *Remote) Call(ctx context.Context, path []string, args []json.RawMessage, opts ...correlator.CallOption) (json.RawMessage, error) {
	if !r.table.Has(path...) {
		return nil, message.NewError(message.CodeMethodNotFound, "remote does not expose "+strings.Join(path, "."))
	}
	return r.corr.Call(ctx, path, args, opts...)
}

// WithCallTimeout 让调用方无需引入 correlator 包即可覆盖单次超时。
func WithCallTimeout(d time.Duration) correlator.CallOption {
	return correlator.WithTimeout(d)
}
