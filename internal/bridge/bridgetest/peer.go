// Package bridgetest 提供进程内的假嵌入上下文，扮演握手与调用的应答方。
package bridgetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/channel"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// Format 决定假对端说哪一代协议。
type Format int

const (
	FormatCurrent Format = iota
	FormatLegacy
)

// Response 描述对一次调用的应答方式。
type Response struct {
	Value any
	// IsError 为 true 时以错误应答，Serialized 表示 Value 是序列化的错误实例。
	IsError    bool
	Serialized bool
	NoReply    bool
	Delay      time.Duration
}

// HandlerFunc 处理一次调用。
type HandlerFunc func(args []json.RawMessage) Response

// RecordedCall 是对端收到的一次调用。
type RecordedCall struct {
	Method string
	Args   []json.RawMessage
}

// Option 自定义 Peer。
type Option func(*Peer)

// WithoutAck 让对端收到 SYN 后不回复 ACK1，用于模拟握手超时。
func WithoutAck() Option {
	return func(p *Peer) { p.silent = true }
}

// WithAckDelay 延迟回复 ACK1。
func WithAckDelay(d time.Duration) Option {
	return func(p *Peer) { p.ackDelay = d }
}

// Peer 是一个可脚本化的嵌入上下文，实现 channel.Poster。
type Peer struct {
	format   Format
	silent   bool
	ackDelay time.Duration

	mu         sync.Mutex
	methods    map[string]HandlerFunc
	deliver    func(string)
	calls      []RecordedCall
	handshakes int
	destroys   int
	ready      bool

	inbox chan string
	stop  chan struct{}
	once  sync.Once
}

// NewPeer 创建假对端并启动处理循环，测试结束时调用 Close。
func NewPeer(format Format, opts ...Option) *Peer {
	p := &Peer{
		format:  format,
		methods: make(map[string]HandlerFunc),
		inbox:   make(chan string, 256),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.loop()
	return p
}

// Handle 注册方法，method 使用点号路径。
func (p *Peer) Handle(method string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[method] = fn
}

// Reply 注册一个总是返回 value 的方法。
func (p *Peer) Reply(method string, value any) {
	p.Handle(method, func([]json.RawMessage) Response { return Response{Value: value} })
}

// Attach 指定把消息投递回宿主的函数，通常是 RelayChannel.HandleMessage。
func (p *Peer) Attach(deliver func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliver = deliver
	p.ready = false
}

// PostMessage 接收宿主发来的消息，异步按顺序处理。
func (p *Peer) PostMessage(msg string) error {
	select {
	case <-p.stop:
		return context.Canceled
	case p.inbox <- msg:
		return nil
	}
}

// Close 停止处理循环。
func (p *Peer) Close() {
	p.once.Do(func() { close(p.stop) })
}

// Calls 返回收到的调用。
func (p *Peer) Calls() []RecordedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedCall(nil), p.calls...)
}

// Handshakes 返回收到的 SYN 次数。
func (p *Peer) Handshakes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshakes
}

// Destroys 返回收到的 DESTROY 次数，旧版协议下恒为 0。
func (p *Peer) Destroys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys
}

// Ready 报告对端是否收到了 ACK2。
func (p *Peer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// SendDestroy 模拟嵌入上下文主动关闭连接。
func (p *Peer) SendDestroy() {
	p.emit(message.Destroy{}, nil)
}

// SendSyn 模拟嵌入上下文加载完成后发出的 SYN。
func (p *Peer) SendSyn() {
	p.emit(message.Syn{ParticipantID: "embedded"}, &message.Legacy{Kind: message.LegacySyn, ParticipantID: "embedded"})
}

// SendCall 模拟嵌入上下文调用宿主方法。
func (p *Peer) SendCall(id string, numeric uint64, method string) {
	p.emit(
		message.Call{ID: id, MethodPath: strings.Split(method, ".")},
		&message.Legacy{Kind: message.LegacyCall, ID: numeric, MethodName: method},
	)
}

// SendRaw 直接投递任意字符串。
func (p *Peer) SendRaw(raw string) {
	p.mu.Lock()
	deliver := p.deliver
	p.mu.Unlock()
	if deliver != nil {
		deliver(raw)
	}
}

func (p *Peer) loop() {
	for {
		select {
		case <-p.stop:
			return
		case raw := <-p.inbox:
			p.process(raw)
		}
	}
}

func (p *Peer) process(raw string) {
	frame, err := message.DecodeFrame([]byte(raw))
	if err != nil {
		return
	}
	if frame.IsLegacy() {
		p.processLegacy(*frame.Legacy)
		return
	}
	switch msg := frame.Current.(type) {
	case message.Syn:
		p.onSyn()
	case message.Ack2:
		p.setReady()
	case message.Call:
		p.onCall(strings.Join(msg.MethodPath, "."), msg.Args, func(r message.Reply) {
			r.CallID = msg.ID
			p.emit(r, nil)
		})
	case message.Destroy:
		p.mu.Lock()
		p.destroys++
		p.ready = false
		p.mu.Unlock()
	}
}

func (p *Peer) processLegacy(l message.Legacy) {
	switch l.Kind {
	case message.LegacySyn:
		p.onSyn()
	case message.LegacyAck:
		p.setReady()
	case message.LegacyCall:
		p.onCall(l.MethodName, l.Args, func(r message.Reply) {
			legacy := message.Legacy{
				Kind:        message.LegacyReply,
				ID:          l.ID,
				Resolution:  message.ResolutionFulfilled,
				ReturnValue: r.Value,
			}
			if r.IsError {
				legacy.Resolution = message.ResolutionRejected
				legacy.ReturnValueIsError = r.IsSerializedErrorInstance
			}
			p.emit(nil, &legacy)
		})
	}
}

func (p *Peer) onSyn() {
	p.mu.Lock()
	p.handshakes++
	silent := p.silent
	names := make([]string, 0, len(p.methods))
	for name := range p.methods {
		names = append(names, name)
	}
	p.mu.Unlock()
	if silent {
		return
	}
	sort.Strings(names)
	paths := make([][]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, strings.Split(name, "."))
	}
	send := func() {
		p.emit(message.Ack1{MethodPaths: paths}, &message.Legacy{Kind: message.LegacySynAck, MethodNames: names})
	}
	if p.ackDelay > 0 {
		time.AfterFunc(p.ackDelay, send)
		return
	}
	send()
}

func (p *Peer) setReady() {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
}

func (p *Peer) onCall(method string, args []json.RawMessage, reply func(message.Reply)) {
	p.mu.Lock()
	p.calls = append(p.calls, RecordedCall{Method: method, Args: args})
	fn := p.methods[method]
	p.mu.Unlock()

	if fn == nil {
		reply(message.ErrorReply("", message.CodeMethodNotFound, "method "+method+" not found"))
		return
	}
	resp := fn(args)
	if resp.NoReply {
		return
	}
	value, err := json.Marshal(resp.Value)
	if err != nil {
		value = json.RawMessage(`null`)
	}
	r := message.Reply{Value: value, IsError: resp.IsError, IsSerializedErrorInstance: resp.IsError && resp.Serialized}
	if resp.Delay > 0 {
		time.AfterFunc(resp.Delay, func() { reply(r) })
		return
	}
	reply(r)
}

// emit 按对端协议投递消息。current 为空表示该消息在当前协议下没有对应。
func (p *Peer) emit(current message.Message, legacy *message.Legacy) {
	var (
		data []byte
		err  error
	)
	switch {
	case p.format == FormatLegacy && legacy != nil:
		data, err = message.EncodeLegacy(*legacy)
	case p.format == FormatCurrent && current != nil:
		data, err = message.Encode(current)
	default:
		return
	}
	if err != nil {
		return
	}
	p.SendRaw(string(data))
}

// Factory 返回一个每次新建 RelayChannel 并接到 p 上的通道工厂。
func (p *Peer) Factory(opts ...channel.Option) connection.ChannelFactory {
	return func(context.Context) (channel.Channel, error) {
		format := channel.WithLegacyFormat(p.format == FormatLegacy)
		ch, err := channel.NewRelayChannel(p, append([]channel.Option{format}, opts...)...)
		if err != nil {
			return nil, err
		}
		p.Attach(ch.HandleMessage)
		return ch, nil
	}
}
