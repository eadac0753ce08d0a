package relay

import (
	"math/rand"
	"sync"
	"time"
)

// backoff 计算重连等待时间：Initial 起指数增长，封顶 Max，并按 Jitter 上下抖动。
type backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts uint
	rand     *rand.Rand
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.cfg.Initial << b.attempts
	if delay <= 0 || delay > b.cfg.Max {
		delay = b.cfg.Max
	}
	if b.attempts < 16 {
		b.attempts++
	}
	if b.cfg.Jitter > 0 {
		spread := 1 - b.cfg.Jitter + 2*b.cfg.Jitter*b.rand.Float64()
		delay = time.Duration(float64(delay) * spread)
	}
	return min(max(delay, b.cfg.Initial), b.cfg.Max)
}

func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
