package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in      string
		network string
		address string
		cid     uint32
		port    uint32
	}{
		{in: "unix:///run/bridge.sock", network: "unix", address: "/run/bridge.sock"},
		{in: "unix:/run/bridge.sock", network: "unix", address: "/run/bridge.sock"},
		{in: "vsock://16:5000", network: "vsock", address: "16:5000", cid: 16, port: 5000},
		{in: "vsock:3:8000", network: "vsock", address: "3:8000", cid: 3, port: 8000},
		{in: "127.0.0.1:9000", network: "tcp", address: "127.0.0.1:9000"},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.network, ep.Network, tc.in)
		require.Equal(t, tc.address, ep.Address, tc.in)
		require.Equal(t, tc.cid, ep.CID, tc.in)
		require.Equal(t, tc.port, ep.Port, tc.in)
	}
	for _, bad := range []string{"unix://", "vsock://16", "vsock://x:1", "vsock://1:y", "no-port"} {
		_, err := ParseEndpoint(bad)
		require.Error(t, err, bad)
	}
}

func TestBreakerTransitions(t *testing.T) {
	now := time.Unix(0, 0)
	var states []BreakerState
	b := newBreaker(2, time.Second, func(s BreakerState) { states = append(states, s) })
	b.now = func() time.Time { return now }

	require.True(t, b.allow())
	b.failure()
	require.Equal(t, BreakerClosed, b.current())
	b.failure()
	require.Equal(t, BreakerOpen, b.current())
	require.False(t, b.allow())

	now = now.Add(time.Second)
	require.True(t, b.allow())
	require.Equal(t, BreakerHalfOpen, b.current())
	b.failure()
	require.Equal(t, BreakerOpen, b.current())

	now = now.Add(2 * time.Second)
	require.True(t, b.allow())
	b.success()
	require.Equal(t, BreakerClosed, b.current())
	require.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed}, states)
	require.Equal(t, "half_open", BreakerHalfOpen.String())
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	require.Equal(t, 10*time.Millisecond, b.next())
	require.Equal(t, 20*time.Millisecond, b.next())
	require.Equal(t, 40*time.Millisecond, b.next())
	require.Equal(t, 40*time.Millisecond, b.next())
	b.reset()
	require.Equal(t, 10*time.Millisecond, b.next())

	jittered := newBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 0.2})
	for i := 0; i < 20; i++ {
		d := jittered.next()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BRIDGE_RELAY_DIAL_TIMEOUT", "2s")
	t.Setenv("BRIDGE_RELAY_RETRY_JITTER", "0")
	t.Setenv("BRIDGE_RELAY_BREAKER_THRESHOLD", "7")
	t.Setenv("BRIDGE_RELAY_RETRY_MAX", "1ms")
	cfg := LoadConfigFromEnv()
	require.Equal(t, 2*time.Second, cfg.DialTimeout)
	require.Equal(t, float64(0), cfg.Backoff.Jitter)
	require.Equal(t, 7, cfg.BreakerThreshold)
	// Max 小于 Initial 时被抬到 Initial。
	require.Equal(t, cfg.Backoff.Initial, cfg.Backoff.Max)
}

func TestWebsocketPosterRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Relay-Client") != "bridge" {
			http.Error(w, "missing client header", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	received := make(chan string, 1)
	header := http.Header{"X-Relay-Client": []string{"bridge"}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	poster, err := DialWebsocket(context.Background(), url, header, func(msg string) { received <- msg })
	require.NoError(t, err)

	require.NoError(t, poster.PostMessage(`{"penpal":"SYN"}`))
	select {
	case msg := <-received:
		require.Equal(t, `echo:{"penpal":"SYN"}`, msg)
	case <-time.After(time.Second):
		t.Fatal("no echo")
	}
	require.NoError(t, poster.Close())
	require.ErrorIs(t, poster.PostMessage("late"), ErrClosed)
}

func TestWebsocketPosterReportsBrokenConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	var resets atomic.Int32
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	poster, err := DialWebsocket(context.Background(), url, nil, nil, WithResetHook(func() { resets.Add(1) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = poster.Close() })

	require.Eventually(t, func() bool { return resets.Load() == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(t, poster.PostMessage("x"), ErrRelayUnavailable)
}
