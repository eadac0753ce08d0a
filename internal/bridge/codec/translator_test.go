package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/stretchr/testify/require"
)

func TestCallRoundTripCurrentLegacyCurrent(t *testing.T) {
	tr := NewTranslator(nil)
	call := message.Call{
		ID:         "5b7a0c4e-1",
		MethodPath: []string{"wallet", "sign"},
		Args:       []json.RawMessage{json.RawMessage(`{"message":"hello"}`), json.RawMessage(`true`)},
	}
	legacy, ok, err := tr.ToLegacy(call)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, message.LegacyCall, legacy.Kind)
	require.Equal(t, "wallet.sign", legacy.MethodName)
	require.Equal(t, uint64(1), legacy.ID)

	back, err := tr.FromLegacy(legacy)
	require.NoError(t, err)
	require.Equal(t, call, back)
}

func TestCallRoundTripLegacyCurrentLegacy(t *testing.T) {
	ids := NewIDMap()
	n, _ := ids.Numeric("host-call")
	tr := NewTranslator(ids)
	legacy := message.Legacy{Kind: message.LegacyCall, ID: n, MethodName: "switchChain", Args: []json.RawMessage{json.RawMessage(`{"chainId":80002}`)}}

	current, err := tr.FromLegacy(legacy)
	require.NoError(t, err)
	require.Equal(t, "host-call", current.(message.Call).ID)

	again, ok, err := tr.ToLegacy(current)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, legacy, again)
}

func TestReplyTranslation(t *testing.T) {
	tr := NewTranslator(nil)
	numeric, _ := tr.IDs().Numeric("call-a")

	fulfilled, err := tr.FromLegacy(message.Legacy{Kind: message.LegacyReply, ID: numeric, Resolution: message.ResolutionFulfilled, ReturnValue: json.RawMessage(`"0xsig"`)})
	require.NoError(t, err)
	require.Equal(t, message.Reply{CallID: "call-a", Value: json.RawMessage(`"0xsig"`)}, fulfilled)

	rejected, err := tr.FromLegacy(message.Legacy{Kind: message.LegacyReply, ID: numeric, Resolution: message.ResolutionRejected, ReturnValue: json.RawMessage(`{"message":"x"}`), ReturnValueIsError: true})
	require.NoError(t, err)
	reply := rejected.(message.Reply)
	require.True(t, reply.IsError)
	require.True(t, reply.IsSerializedErrorInstance)

	legacy, ok, err := tr.ToLegacy(reply)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, message.ResolutionRejected, legacy.Resolution)
	require.True(t, legacy.ReturnValueIsError)
	require.Equal(t, numeric, legacy.ID)
}

func TestHandshakeTranslation(t *testing.T) {
	tr := NewTranslator(nil)

	syn, ok, err := tr.ToLegacy(message.Syn{ParticipantID: "p-1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, message.Legacy{Kind: message.LegacySyn, ParticipantID: "p-1"}, syn)

	ack1, ok, err := tr.ToLegacy(message.Ack1{MethodPaths: [][]string{{"sign"}, {"wallet", "export"}}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"sign", "wallet.export"}, ack1.MethodNames)

	current, err := tr.FromLegacy(message.Legacy{Kind: message.LegacySynAck, MethodNames: []string{"sign", "logout"}})
	require.NoError(t, err)
	require.Equal(t, message.Ack1{MethodPaths: [][]string{{"sign"}, {"logout"}}}, current)

	ack2, err := tr.FromLegacy(message.Legacy{Kind: message.LegacyAck})
	require.NoError(t, err)
	require.Equal(t, message.Ack2{}, ack2)
}

func TestDestroyHasNoLegacyForm(t *testing.T) {
	tr := NewTranslator(nil)
	_, ok, err := tr.ToLegacy(message.Destroy{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnknownNumericIDFallsBackToDecimal(t *testing.T) {
	var hits []uint64
	tr := NewTranslator(nil, WithFallbackHook(func(_ message.LegacyKind, n uint64) { hits = append(hits, n) }))
	msg, err := tr.FromLegacy(message.Legacy{Kind: message.LegacyReply, ID: 42, Resolution: message.ResolutionFulfilled})
	require.NoError(t, err)
	require.Equal(t, "42", msg.(message.Reply).CallID)
	require.Equal(t, []uint64{42}, hits)

	// 回退得到的 id 再写回旧版时保持原数字。
	legacy, _, err := tr.ToLegacy(message.Reply{CallID: "42"})
	require.NoError(t, err)
	require.Equal(t, uint64(42), legacy.ID)
}

func TestJoinPathRejectsAmbiguousSegments(t *testing.T) {
	tr := NewTranslator(nil)
	_, _, err := tr.ToLegacy(message.Call{ID: "a", MethodPath: []string{"wallet.v2", "sign"}})
	require.ErrorIs(t, err, ErrPathNotRepresentable)
	_, err = JoinPath(nil)
	require.ErrorIs(t, err, ErrPathNotRepresentable)
	_, err = SplitPath("wallet..sign")
	require.True(t, errors.Is(err, message.ErrMalformed))
}

func TestIDMapIsBijection(t *testing.T) {
	ids := NewIDMap()
	var wg sync.WaitGroup
	results := make([]uint64, 64)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = ids.Numeric(fmt.Sprintf("call-%d", i))
		}(i)
	}
	wg.Wait()
	seen := make(map[uint64]bool)
	for i, n := range results {
		require.False(t, seen[n], "numeric id %d reused", n)
		seen[n] = true
		id, ok := ids.String(n)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("call-%d", i), id)
	}
	again, created := ids.Numeric("call-0")
	require.False(t, created)
	require.Equal(t, results[0], again)
}

func TestIDMapSkipsNumbersClaimedByPeer(t *testing.T) {
	ids := NewIDMap()
	require.True(t, ids.Bind("1", 1))
	n, created := ids.Numeric("host")
	require.True(t, created)
	require.Equal(t, uint64(2), n)
}

func TestIDMapReset(t *testing.T) {
	ids := NewIDMap()
	first, _ := ids.Numeric("a")
	ids.Numeric("b")
	ids.Reset()
	require.Zero(t, ids.Len())
	_, ok := ids.String(first)
	require.False(t, ok)
	n, _ := ids.Numeric("c")
	require.Equal(t, uint64(1), n)
}
