package authsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	count    atomic.Int64
	failures atomic.Int64
	block    chan struct{}

	mu     sync.Mutex
	tokens []string
}

func (s *stubExecutor) Execute(ctx context.Context, payload JobPayload) error {
	s.count.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	if payload.Event.Auth != nil {
		s.tokens = append(s.tokens, payload.Event.Auth.Token)
	}
	s.mu.Unlock()
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("embedded context unavailable")
	}
	return nil
}

func (s *stubExecutor) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func event(player, token string) Event {
	return Event{PlayerID: player, Auth: &session.Authentication{Token: token, Player: player}, Reason: "refresh"}
}

func TestDispatcherDedupPerPlayer(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{MaxQueue: 4, Workers: 1, Metrics: NewMetrics(prometheus.NewRegistry())}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Notify(context.Background(), event("pla_1", "t1")))
	require.Eventually(t, func() bool { return exec.count.Load() == 1 }, time.Second, time.Millisecond)
	// t1 执行中，t2 与 t3 合并为一次后续推送。
	require.NoError(t, d.Notify(context.Background(), event("pla_1", "t2")))
	require.NoError(t, d.Notify(context.Background(), event("pla_1", "t3")))
	close(exec.block)

	require.Eventually(t, func() bool { return exec.count.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(d.snapshot().Players) == 0 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"t1", "t3"}, exec.Tokens())
}

func TestDispatcherRetriesUpToMaxAttempts(t *testing.T) {
	exec := &stubExecutor{}
	exec.failures.Store(5)
	metrics := NewMetrics(prometheus.NewRegistry())
	d, err := NewDispatcher(Config{MaxQueue: 4, Workers: 1, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, Metrics: metrics}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Notify(context.Background(), event("pla_retry", "t")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.failures.WithLabelValues("refresh")) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(3), exec.count.Load())
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.retries.WithLabelValues("refresh")))
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.queueDepth) == 0 }, time.Second, time.Millisecond)
}

func TestDispatcherRateLimitAndQueueFull(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{MaxQueue: 1, Workers: 1, RateLimit: 1}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	t.Cleanup(func() { close(exec.block) })

	require.NoError(t, d.Notify(context.Background(), event("pla_1", "t")))
	require.ErrorIs(t, d.Notify(context.Background(), event("pla_2", "t")), ErrRateLimited)

	d.UpdateRateLimit(0)
	require.Eventually(t, func() bool { return exec.count.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Notify(context.Background(), event("pla_2", "t")))
	require.ErrorIs(t, d.Notify(context.Background(), event("pla_3", "t")), ErrQueueFull)
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d, err := NewDispatcher(Config{}, &stubExecutor{})
	require.NoError(t, err)
	d.Close()
	d.Close()
	require.ErrorIs(t, d.Notify(context.Background(), event("pla_1", "t")), ErrClosed)

	_, err = NewDispatcher(Config{}, nil)
	require.Error(t, err)
}

func TestNotifyRequiresPlayer(t *testing.T) {
	d, err := NewDispatcher(Config{Metrics: NewMetrics(prometheus.NewRegistry())}, &stubExecutor{})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.Error(t, d.Notify(context.Background(), Event{}))
	require.NoError(t, d.Notify(context.Background(), Event{Auth: &session.Authentication{Player: "pla_from_auth"}}))
}

func TestDebugHandler(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	d, err := NewDispatcher(Config{Workers: 3, RateLimit: 5}, exec)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	t.Cleanup(func() { close(exec.block) })
	require.NoError(t, d.Notify(context.Background(), event("pla_1", "t")))

	rec := httptest.NewRecorder()
	d.DebugHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/authsync", nil))
	var snap debugSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 3, snap.Workers)
	require.Equal(t, float64(5), snap.RateLimit)
	require.Equal(t, []string{"pla_1"}, snap.Players)
}

type recordingUpdater struct{ auth *session.Authentication }

func (r *recordingUpdater) UpdateAuthentication(_ context.Context, auth *session.Authentication) error {
	r.auth = auth
	return nil
}

func TestSignerExecutor(t *testing.T) {
	u := &recordingUpdater{}
	ev := event("pla_1", "fresh")
	require.NoError(t, NewSignerExecutor(u).Execute(context.Background(), JobPayload{Event: ev, Attempt: 1}))
	require.Same(t, ev.Auth, u.auth)
}
