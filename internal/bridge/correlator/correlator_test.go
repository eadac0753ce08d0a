package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type outbox struct {
	mu    sync.Mutex
	calls []message.Call
	err   error
}

func (o *outbox) send(m message.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.calls = append(o.calls, m.(message.Call))
	return nil
}

func (o *outbox) snapshot() []message.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]message.Call(nil), o.calls...)
}

func (o *outbox) waitFor(t *testing.T, n int) []message.Call {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.snapshot()) >= n }, time.Second, time.Millisecond)
	return o.snapshot()
}

func TestCallResolvesOnMatchingReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	box := &outbox{}
	c := New(box.send, WithMetrics(metrics))

	type res struct {
		value json.RawMessage
		err   error
	}
	done := make(chan res, 1)
	go func() {
		v, err := c.Call(context.Background(), []string{"sign"}, []json.RawMessage{json.RawMessage(`{"message":"hello"}`)})
		done <- res{v, err}
	}()
	call := box.waitFor(t, 1)[0]
	require.Equal(t, []string{"sign"}, call.MethodPath)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.pending))

	require.True(t, c.HandleReply(message.Reply{CallID: call.ID, Value: json.RawMessage(`"0xsig"`)}))
	r := <-done
	require.NoError(t, r.err)
	require.JSONEq(t, `"0xsig"`, string(r.value))

	// 重复应答被忽略。
	require.False(t, c.HandleReply(message.Reply{CallID: call.ID, Value: json.RawMessage(`"again"`)}))
	require.Equal(t, 0, c.Pending())
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.calls.WithLabelValues("sign", "ok")))
}

func TestRepliesMatchedByIDNotOrder(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	results := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			v, err := c.Call(context.Background(), []string{name}, nil)
			if err != nil {
				v = json.RawMessage(err.Error())
			}
			mu.Lock()
			results[name] = string(v)
			mu.Unlock()
		}(name)
	}
	calls := box.waitFor(t, 2)
	for i := len(calls) - 1; i >= 0; i-- {
		value, _ := json.Marshal(calls[i].MethodPath[0])
		c.HandleReply(message.Reply{CallID: calls[i].ID, Value: value})
	}
	wg.Wait()
	require.Equal(t, `"first"`, results["first"])
	require.Equal(t, `"second"`, results["second"])
}

func TestCallTimeoutIgnoresLateReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	box := &outbox{}
	c := New(box.send, WithMetrics(metrics))

	start := time.Now()
	_, err := c.Call(context.Background(), []string{"export"}, nil, WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, message.ErrMethodCallTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	call := box.snapshot()[0]
	require.False(t, c.HandleReply(message.Reply{CallID: call.ID, Value: json.RawMessage(`"late"`)}))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.calls.WithLabelValues("export", "timeout")))
}

func TestRemoteErrorReply(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), []string{"logout"}, nil)
		done <- err
	}()
	call := box.waitFor(t, 1)[0]
	c.HandleReply(message.ErrorReply(call.ID, message.CodeMethodNotFound, "logout is not exposed"))

	err := <-done
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "logout", remote.Method)
	require.Equal(t, "logout is not exposed", remote.Message)
	require.ErrorIs(t, err, message.ErrMethodNotFound)
	require.NotErrorIs(t, err, message.ErrConnectionDestroyed)
}

func TestRemoteErrorPlainValue(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), []string{"sign"}, nil)
		done <- err
	}()
	call := box.waitFor(t, 1)[0]
	c.HandleReply(message.Reply{CallID: call.ID, Value: json.RawMessage(`"boom"`), IsError: true})
	err := <-done
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.False(t, remote.Serialized)
	require.Contains(t, err.Error(), "boom")
}

func TestDestroyRejectsPending(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), []string{"sign"}, nil)
			errs <- err
		}()
	}
	box.waitFor(t, 3)
	c.Destroy()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, <-errs, message.ErrConnectionDestroyed)
	}
	_, err := c.Call(context.Background(), []string{"sign"}, nil)
	require.ErrorIs(t, err, message.ErrConnectionDestroyed)
}

func TestSendFailureSettlesImmediately(t *testing.T) {
	box := &outbox{err: message.NewError(message.CodeTransmissionFailed, "relay closed")}
	c := New(box.send)
	_, err := c.Call(context.Background(), []string{"sign"}, nil)
	require.ErrorIs(t, err, message.ErrTransmissionFailed)
	require.Equal(t, 0, c.Pending())
}

func TestContextCancelRemovesRecord(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, []string{"sign"}, nil)
		done <- err
	}()
	call := box.waitFor(t, 1)[0]
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
	require.Equal(t, 0, c.Pending())
	require.False(t, c.HandleReply(message.Reply{CallID: call.ID}))
}

func TestIDCollisionRegenerates(t *testing.T) {
	box := &outbox{}
	ids := []string{"dup", "dup", "fresh"}
	var n int
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[n]
		if n < len(ids)-1 {
			n++
		}
		return id
	}
	c := New(box.send, WithIDGenerator(gen))
	go func() { _, _ = c.Call(context.Background(), []string{"a"}, nil) }()
	box.waitFor(t, 1)
	go func() { _, _ = c.Call(context.Background(), []string{"b"}, nil) }()
	calls := box.waitFor(t, 2)
	require.Equal(t, "dup", calls[0].ID)
	require.Equal(t, "fresh", calls[1].ID)
	c.Destroy()
}

func TestUniqueIDsUnderConcurrency(t *testing.T) {
	box := &outbox{}
	c := New(box.send)
	const n = 64
	for i := 0; i < n; i++ {
		go func(i int) { _, _ = c.Call(context.Background(), []string{fmt.Sprintf("m%d", i)}, nil) }(i)
	}
	calls := box.waitFor(t, n)
	seen := make(map[string]struct{}, n)
	for _, call := range calls {
		_, dup := seen[call.ID]
		require.False(t, dup)
		seen[call.ID] = struct{}{}
	}
	require.Equal(t, n, c.Pending())
	c.Destroy()
}

func TestEmptyPathRejected(t *testing.T) {
	c := New((&outbox{}).send)
	_, err := c.Call(context.Background(), nil, nil)
	require.ErrorIs(t, err, message.ErrInvalidArgument)
}
