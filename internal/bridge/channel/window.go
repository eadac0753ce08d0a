package channel

import (
	"errors"
	"sync"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// WildcardOrigin 允许任意来源。
const WildcardOrigin = "*"

// WindowEvent 是宿主窗口收到的一条原生跨上下文消息。
type WindowEvent struct {
	Origin string
	Source string
	Data   []byte
}

// RemoteWindow 是嵌入上下文的投递端。
type RemoteWindow interface {
	PostMessage(data []byte, targetOrigin string) error
}

// EventSource 是宿主侧的消息监听端。
type EventSource interface {
	Listen(fn func(WindowEvent)) (stop func())
}

// WindowConfig 控制直连通道的来源校验。
type WindowConfig struct {
	// AllowedOrigins 为允许的来源列表，包含 "*" 时不校验来源。
	AllowedOrigins []string
	// RemoteSource 非空时，只接受 Source 与之相同的消息。
	RemoteSource string
}

// WindowChannel 直接向嵌入上下文投递消息，并只接受白名单来源的回复。
type WindowChannel struct {
	remote RemoteWindow
	events EventSource
	cfg    WindowConfig
	opts   options

	handlers handlerSet

	mu            sync.Mutex
	stop          func()
	initialized   bool
	learnedOrigin string
}

// NewWindowChannel 构造直连通道。
func NewWindowChannel(remote RemoteWindow, events EventSource, cfg WindowConfig, opts ...Option) (*WindowChannel, error) {
	if remote == nil || events == nil {
		return nil, message.NewError(message.CodeInvalidArgument, "remote window and event source are required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, message.NewError(message.CodeInvalidArgument, "at least one allowed origin is required")
	}
	origins := make([]string, len(cfg.AllowedOrigins))
	copy(origins, cfg.AllowedOrigins)
	cfg.AllowedOrigins = origins
	return &WindowChannel{
		remote: remote,
		events: events,
		cfg:    cfg,
		opts:   buildOptions("window", false, opts),
	}, nil
}

// Initialize 开始监听宿主窗口消息。
func (c *WindowChannel) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.stop = c.events.Listen(c.handleEvent)
	c.initialized = true
	return nil
}

// Send 序列化消息并投递到嵌入上下文。
func (c *WindowChannel) Send(m message.Message) error {
	c.mu.Lock()
	initialized := c.initialized
	target := c.targetOriginLocked()
	c.mu.Unlock()
	if !initialized {
		return errNotInitialized
	}
	data, err := encodeOutbound(&c.opts, m)
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return message.WrapError(message.CodeTransmissionFailed, "encode message", err)
	}
	if err := c.remote.PostMessage(data, target); err != nil {
		return message.WrapError(message.CodeTransmissionFailed, "post to embedded window", err)
	}
	c.opts.metrics.incSent(c.opts.label, m.Type())
	return nil
}

// OnMessage 注册消息处理器。
func (c *WindowChannel) OnMessage(h Handler) func() {
	return c.handlers.add(h)
}

// Destroy 停止监听并清空处理器与 id 映射。
func (c *WindowChannel) Destroy() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.initialized = false
	c.learnedOrigin = ""
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.handlers.clear()
	c.opts.translator.IDs().Reset()
}

func (c *WindowChannel) handleEvent(ev WindowEvent) {
	if !c.originAllowed(ev.Origin) {
		c.opts.metrics.incDropped(c.opts.label, "origin")
		c.opts.logger.Debug("window message from disallowed origin dropped", "origin", ev.Origin)
		return
	}
	if c.cfg.RemoteSource != "" && ev.Source != c.cfg.RemoteSource {
		c.opts.metrics.incDropped(c.opts.label, "source")
		return
	}
	msg, err := decodeInbound(&c.opts, ev.Data)
	if err != nil {
		// 同一窗口上可能有其他库的消息，静默丢弃。
		c.opts.metrics.incDropped(c.opts.label, dropReason(err))
		return
	}
	if c.opts.validate != nil && !c.opts.validate(msg) {
		c.opts.metrics.incDropped(c.opts.label, "validator")
		return
	}
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	if c.learnedOrigin == "" && ev.Origin != "" {
		c.learnedOrigin = ev.Origin
	}
	c.mu.Unlock()
	c.opts.metrics.incReceived(c.opts.label, msg.Type())
	c.handlers.dispatch(msg)
}

func (c *WindowChannel) originAllowed(origin string) bool {
	for _, allowed := range c.cfg.AllowedOrigins {
		if allowed == WildcardOrigin || allowed == origin {
			return true
		}
	}
	return false
}

// targetOriginLocked 优先使用已确认的对端来源，其次是唯一的白名单来源。
func (c *WindowChannel) targetOriginLocked() string {
	if c.learnedOrigin != "" {
		return c.learnedOrigin
	}
	if len(c.cfg.AllowedOrigins) == 1 && c.cfg.AllowedOrigins[0] != WildcardOrigin {
		return c.cfg.AllowedOrigins[0]
	}
	return WildcardOrigin
}
