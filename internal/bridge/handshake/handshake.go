package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/google/uuid"
)

// DefaultTimeout 是整个握手的等待上限。
const DefaultTimeout = 5 * time.Second

// State 是握手状态机的状态。
type State int

const (
	StateIdle State = iota
	StateSynSent
	StateAck1Received
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynSent:
		return "syn_sent"
	case StateAck1Received:
		return "ack1_received"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender 把消息写入通道。
type Sender func(message.Message) error

// Option 自定义 Engine。
type Option func(*Engine)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTimeout 修改握手超时。
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithParticipantID 固定发起方 id，默认随机生成。
func WithParticipantID(id string) Option {
	return func(e *Engine) { e.participantID = id }
}

// Engine 驱动发起方一侧的三步握手：发送 SYN，收到 ACK1 后回复 ACK2 并进入 Ready。
// Ready 之前提交的 CALL 会被排队，进入 Ready 后按提交顺序发出。
type Engine struct {
	send          Sender
	logger        *slog.Logger
	timeout       time.Duration
	participantID string

	mu       sync.Mutex
	state    State
	table    MethodTable
	queue    []message.Message
	err      error
	timer    *time.Timer
	done     chan struct{}
	started  time.Time
	finished time.Duration
}

// New 创建处于 Idle 状态的握手引擎。
func New(send Sender, opts ...Option) *Engine {
	e := &Engine{
		send:    send,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.participantID == "" {
		e.participantID = uuid.NewString()
	}
	return e
}

// ParticipantID 返回 SYN 中携带的发起方 id。
func (e *Engine) ParticipantID() string { return e.participantID }

// State 返回当前状态。
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Elapsed 返回握手耗时，未结束时为 0。
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Start 发送 SYN 并启动超时计时器，只在 Idle 状态生效。
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.state = StateSynSent
	e.started = time.Now()
	e.timer = time.AfterFunc(e.timeout, func() {
		e.Fail(message.NewError(message.CodeConnectionTimeout, fmt.Sprintf("handshake not completed within %s", e.timeout)))
	})
	e.mu.Unlock()

	if err := e.send(message.Syn{ParticipantID: e.participantID}); err != nil {
		e.Fail(err)
		return err
	}
	e.logger.Debug("handshake syn sent", "participant", e.participantID)
	return nil
}

// Wait 阻塞到握手结束，返回对端方法表。
func (e *Engine) Wait(ctx context.Context) (MethodTable, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return MethodTable{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return MethodTable{}, e.err
	}
	return e.table, nil
}

// Done 在握手成功或失败后关闭。
func (e *Engine) Done() <-chan struct{} { return e.done }

// HandleMessage 处理握手消息，返回 false 表示该消息不属于握手。
func (e *Engine) HandleMessage(m message.Message) bool {
	switch msg := m.(type) {
	case message.Syn:
		e.handleSyn()
	case message.Ack1:
		e.handleAck1(msg)
	case message.Ack2:
		e.logger.Debug("unexpected ack2 from responder ignored")
	default:
		return false
	}
	return true
}

// Send 在 Ready 后直接发送；Ready 之前的 CALL 进入队列，其余消息直接发送。
func (e *Engine) Send(m message.Message) error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return e.send(m)
	case StateFailed:
		err := e.err
		e.mu.Unlock()
		return err
	}
	if _, ok := m.(message.Call); ok {
		e.queue = append(e.queue, m)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.send(m)
}

// Fail 把引擎置为 Failed，丢弃排队的调用。已结束的握手不受影响。
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	if e.state == StateReady || e.state == StateFailed {
		e.mu.Unlock()
		return
	}
	from := e.state
	e.state = StateFailed
	e.err = err
	dropped := len(e.queue)
	e.queue = nil
	e.finishLocked()
	e.mu.Unlock()
	e.logger.Warn("handshake failed", "from", from.String(), "dropped_calls", dropped, "err", err)
}

func (e *Engine) handleSyn() {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateSynSent {
		return
	}
	// 对端在我们的 SYN 丢失之后才加载完成，立即补发一次。
	if err := e.send(message.Syn{ParticipantID: e.participantID}); err != nil {
		e.Fail(err)
		return
	}
	e.logger.Debug("handshake syn re-sent after responder syn")
}

func (e *Engine) handleAck1(msg message.Ack1) {
	e.mu.Lock()
	if e.state != StateSynSent {
		e.mu.Unlock()
		return
	}
	table, err := NewMethodTable(msg.MethodPaths)
	if err != nil {
		e.mu.Unlock()
		e.Fail(message.WrapError(message.CodeInvalidArgument, "invalid ack1", err))
		return
	}
	e.state = StateAck1Received
	e.table = table
	e.mu.Unlock()

	if err := e.send(message.Ack2{}); err != nil {
		e.Fail(err)
		return
	}
	for {
		e.mu.Lock()
		if e.state != StateAck1Received {
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		if len(batch) == 0 {
			e.state = StateReady
			e.finishLocked()
			elapsed := e.finished
			e.mu.Unlock()
			e.logger.Info("handshake ready", "participant", e.participantID, "methods", table.Len(), "elapsed", elapsed)
			return
		}
		e.mu.Unlock()
		for _, queued := range batch {
			if err := e.send(queued); err != nil {
				e.Fail(err)
				return
			}
		}
	}
}

func (e *Engine) finishLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	if !e.started.IsZero() {
		e.finished = time.Since(e.started)
	}
	close(e.done)
}

// MethodTable 是对端在 ACK1 中声明的可调用方法路径集合。
type MethodTable struct {
	paths [][]string
	index map[string]struct{}
}

// NewMethodTable 校验并复制方法路径。
func NewMethodTable(paths [][]string) (MethodTable, error) {
	t := MethodTable{index: make(map[string]struct{}, len(paths))}
	for _, path := range paths {
		if len(path) == 0 {
			return MethodTable{}, fmt.Errorf("empty method path")
		}
		for _, segment := range path {
			if segment == "" {
				return MethodTable{}, fmt.Errorf("empty segment in method path %q", path)
			}
		}
		key := pathKey(path)
		if _, dup := t.index[key]; dup {
			continue
		}
		t.index[key] = struct{}{}
		t.paths = append(t.paths, append([]string(nil), path...))
	}
	return t, nil
}

// Has 报告路径是否在表中。
func (t MethodTable) Has(path ...string) bool {
	_, ok := t.index[pathKey(path)]
	return ok
}

// Paths 返回方法路径的副本。
func (t MethodTable) Paths() [][]string {
	out := make([][]string, len(t.paths))
	for i, p := range t.paths {
		out[i] = append([]string(nil), p...)
	}
	return out
}

// Len 返回方法数量。
func (t MethodTable) Len() int { return len(t.paths) }

func pathKey(path []string) string { return strings.Join(path, "\x00") }
