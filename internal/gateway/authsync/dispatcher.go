// Package authsync 在后台把刷新后的凭据推送给嵌入上下文。
package authsync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull 当队列无可用 slot 时返回。
	ErrQueueFull = errors.New("authsync dispatcher queue full")
	// ErrRateLimited 表示命中速率限制。
	ErrRateLimited = errors.New("authsync dispatcher rate limited")
	// ErrClosed 表示 Dispatcher 已关闭。
	ErrClosed = errors.New("authsync dispatcher closed")
)

// Event 是一次凭据变更通知。
type Event struct {
	PlayerID string
	Auth     *session.Authentication
	Reason   string
}

// Executor 执行一次推送。
type Executor interface {
	Execute(ctx context.Context, payload JobPayload) error
}

// JobPayload 传递队列上下文给 Executor。
type JobPayload struct {
	Event   Event
	Attempt int
}

// Dispatcher 按玩家去重排队，并由固定数量的 worker 执行推送。
type Dispatcher struct {
	cfg      Config
	executor Executor

	queue   chan *job
	stopCh  chan struct{}
	closed  atomic.Bool
	metrics *Metrics
	logger  *slog.Logger

	limiter atomic.Pointer[rate.Limiter]

	mu     sync.Mutex
	states map[string]*jobState

	wg sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

type job struct {
	player string
}

// jobState 保存玩家最新的事件。执行期间到达的新事件标记 stale，执行结束后重新排队。
type jobState struct {
	event    Event
	attempts int
	running  bool
	stale    bool
}

// NewDispatcher 创建并启动后台 worker。
func NewDispatcher(cfg Config, executor Executor) (*Dispatcher, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	normalized := cfg.normalize()
	d := &Dispatcher{
		cfg:      normalized,
		executor: executor,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,
		states:   make(map[string]*jobState),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.UpdateRateLimit(normalized.RateLimit)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
	return d, nil
}

// Notify 把事件放入队列。同一玩家已在队列中时只替换为最新事件。
func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if event.PlayerID == "" && event.Auth != nil {
		event.PlayerID = event.Auth.Player
	}
	if event.PlayerID == "" {
		return errors.New("player id is required")
	}
	if limiter := d.limiter.Load(); limiter != nil && !limiter.Allow() {
		return ErrRateLimited
	}
	d.mu.Lock()
	if state, ok := d.states[event.PlayerID]; ok {
		state.event = event
		if state.running {
			state.stale = true
		}
		d.mu.Unlock()
		return nil
	}
	d.states[event.PlayerID] = &jobState{event: event}
	d.mu.Unlock()

	select {
	case d.queue <- &job{player: event.PlayerID}:
		d.metrics.incQueueDepth()
		d.metrics.incEnqueued(event.Reason)
		d.logger.Info("authentication push enqueued", slog.String("player", event.PlayerID), slog.String("reason", event.Reason))
		return nil
	default:
		d.mu.Lock()
		delete(d.states, event.PlayerID)
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// Close 停止 worker，排队中的事件被丢弃。
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.stopCh)
	d.wg.Wait()
}

// UpdateRateLimit 热更新速率限制，rateValue<=0 关闭限速。
func (d *Dispatcher) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), d.cfg.RateBurst))
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.queue:
			if job != nil {
				d.handleJob(job)
			}
		}
	}
}

func (d *Dispatcher) handleJob(job *job) {
	payload, ok := d.markRunning(job.player)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	start := time.Now()
	err := d.executor.Execute(ctx, payload)
	cancel()
	d.metrics.observeLatency(float64(time.Since(start).Milliseconds()))
	reason := payload.Event.Reason

	if err == nil {
		d.finish(job)
		return
	}
	if payload.Attempt >= d.cfg.MaxAttempts {
		d.metrics.incFail(reason)
		d.logger.Warn("authentication push failed permanently", slog.String("player", job.player), slog.String("reason", reason), slog.Any("err", err))
		d.finish(job)
		return
	}

	delay := d.backoffDelay(payload.Attempt)
	d.metrics.incRetry(reason)
	d.logger.Info("authentication push retry scheduled", slog.String("player", job.player), slog.Int("attempt", payload.Attempt+1), slog.Duration("delay", delay), slog.Any("err", err))
	d.setIdle(job.player)
	time.AfterFunc(delay, func() { d.requeue(job) })
}

func (d *Dispatcher) markRunning(player string) (JobPayload, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.states[player]
	if state == nil {
		return JobPayload{}, false
	}
	state.attempts++
	state.running = true
	state.stale = false
	return JobPayload{Event: state.event, Attempt: state.attempts}, true
}

func (d *Dispatcher) setIdle(player string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state := d.states[player]; state != nil {
		state.running = false
	}
}

// finish 结束一轮推送；期间有新事件时以新事件重新开始计数。
func (d *Dispatcher) finish(job *job) {
	d.mu.Lock()
	state := d.states[job.player]
	if state != nil && state.stale {
		state.attempts = 0
		state.running = false
		state.stale = false
		d.mu.Unlock()
		d.requeue(job)
		return
	}
	if state != nil {
		delete(d.states, job.player)
		d.metrics.decQueueDepth()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) requeue(job *job) {
	select {
	case <-d.stopCh:
	case d.queue <- job:
	}
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase * time.Duration(1<<(attempt-1))
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	maxJitter := time.Duration(float64(delay) * 0.2)
	if maxJitter <= 0 {
		return delay
	}
	d.randMu.Lock()
	delta := time.Duration(d.rnd.Int63n(int64(2*maxJitter+1))) - maxJitter
	d.randMu.Unlock()
	return max(delay+delta, 0)
}
