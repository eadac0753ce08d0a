package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/stretchr/testify/require"
)

type wire struct {
	mu   sync.Mutex
	sent []message.Message
	fail error
}

func (w *wire) send(m message.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.sent = append(w.sent, m)
	return nil
}

func (w *wire) types() []message.Type {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]message.Type, 0, len(w.sent))
	for _, m := range w.sent {
		out = append(out, m.Type())
	}
	return out
}

func TestHandshakeReachesReady(t *testing.T) {
	w := &wire{}
	e := New(w.send, WithParticipantID("host"))
	require.Equal(t, StateIdle, e.State())
	require.NoError(t, e.Start())
	require.Equal(t, StateSynSent, e.State())
	require.Equal(t, message.Syn{ParticipantID: "host"}, w.sent[0])

	require.True(t, e.HandleMessage(message.Ack1{MethodPaths: [][]string{{"sign"}, {"logout"}, {"wallet", "export"}}}))
	table, err := e.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, e.State())
	require.True(t, table.Has("sign"))
	require.True(t, table.Has("wallet", "export"))
	require.False(t, table.Has("wallet"))
	require.Equal(t, 3, table.Len())
	require.Equal(t, []message.Type{message.TypeSyn, message.TypeAck2}, w.types())

	// Ready 之后的握手消息被忽略。
	require.True(t, e.HandleMessage(message.Ack1{MethodPaths: [][]string{{"other"}}}))
	require.True(t, e.HandleMessage(message.Syn{ParticipantID: "late"}))
	require.Len(t, w.types(), 2)
	require.False(t, e.HandleMessage(message.Reply{CallID: "x"}))
}

func TestCallsQueuedUntilReady(t *testing.T) {
	w := &wire{}
	e := New(w.send)
	require.NoError(t, e.Start())
	require.NoError(t, e.Send(message.Call{ID: "1", MethodPath: []string{"sign"}}))
	require.NoError(t, e.Send(message.Call{ID: "2", MethodPath: []string{"sign"}}))
	require.Equal(t, []message.Type{message.TypeSyn}, w.types())

	e.HandleMessage(message.Ack1{MethodPaths: [][]string{{"sign"}}})
	require.Equal(t, []message.Type{message.TypeSyn, message.TypeAck2, message.TypeCall, message.TypeCall}, w.types())
	require.Equal(t, "1", w.sent[2].(message.Call).ID)
	require.Equal(t, "2", w.sent[3].(message.Call).ID)

	require.NoError(t, e.Send(message.Call{ID: "3", MethodPath: []string{"sign"}}))
	require.Len(t, w.types(), 5)
}

func TestResponderSynTriggersResend(t *testing.T) {
	w := &wire{}
	e := New(w.send)
	require.NoError(t, e.Start())
	e.HandleMessage(message.Syn{ParticipantID: "embedded"})
	require.Equal(t, []message.Type{message.TypeSyn, message.TypeSyn}, w.types())
}

func TestHandshakeTimeout(t *testing.T) {
	w := &wire{}
	e := New(w.send, WithTimeout(20*time.Millisecond))
	require.NoError(t, e.Start())
	require.NoError(t, e.Send(message.Call{ID: "1", MethodPath: []string{"sign"}}))
	_, err := e.Wait(context.Background())
	require.ErrorIs(t, err, message.ErrConnectionTimeout)
	require.Equal(t, StateFailed, e.State())
	require.ErrorIs(t, e.Send(message.Call{ID: "2", MethodPath: []string{"sign"}}), message.ErrConnectionTimeout)

	// 超时之后迟到的 ACK1 不会复活握手。
	e.HandleMessage(message.Ack1{MethodPaths: [][]string{{"sign"}}})
	require.Equal(t, StateFailed, e.State())
	require.Equal(t, []message.Type{message.TypeSyn}, w.types())
}

func TestMalformedAck1Fails(t *testing.T) {
	w := &wire{}
	e := New(w.send)
	require.NoError(t, e.Start())
	e.HandleMessage(message.Ack1{MethodPaths: [][]string{{"sign", ""}}})
	_, err := e.Wait(context.Background())
	require.ErrorIs(t, err, message.ErrInvalidArgument)
	require.Equal(t, StateFailed, e.State())
}

func TestSynSendFailure(t *testing.T) {
	w := &wire{fail: errors.New("poster gone")}
	e := New(w.send)
	require.Error(t, e.Start())
	require.Equal(t, StateFailed, e.State())
	select {
	case <-e.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	e := New((&wire{}).send)
	require.NoError(t, e.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	e.Fail(errors.New("stop"))
}

func TestMethodTableDeduplicates(t *testing.T) {
	table, err := NewMethodTable([][]string{{"sign"}, {"sign"}, {"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"sign"}, {"a", "b"}}, table.Paths())
	_, err = NewMethodTable([][]string{{}})
	require.Error(t, err)
	require.Equal(t, "ack1_received", StateAck1Received.String())
}
