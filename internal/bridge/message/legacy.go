package message

import (
	"encoding/json"
	"fmt"
)

// LegacyKind 是旧版协议 `penpal` 字段的取值。
type LegacyKind string

const (
	LegacySyn    LegacyKind = "syn"
	LegacySynAck LegacyKind = "synAck"
	LegacyAck    LegacyKind = "ack"
	LegacyCall   LegacyKind = "call"
	LegacyReply  LegacyKind = "reply"
)

// Resolution 是旧版 reply 的结果。
type Resolution string

const (
	ResolutionFulfilled Resolution = "fulfilled"
	ResolutionRejected  Resolution = "rejected"
)

// Legacy 是旧版协议的一条消息，字段是否有效取决于 Kind。
type Legacy struct {
	Kind               LegacyKind
	ParticipantID      string
	MethodNames        []string
	ID                 uint64
	MethodName         string
	Args               []json.RawMessage
	Resolution         Resolution
	ReturnValue        json.RawMessage
	ReturnValueIsError bool
}

type legacyHeader struct {
	Penpal LegacyKind `json:"penpal"`
}

type legacySynWire struct {
	legacyHeader
	ParticipantID string `json:"participantId,omitempty"`
}

type legacySynAckWire struct {
	legacyHeader
	MethodNames []string `json:"methodNames"`
}

type legacyCallWire struct {
	legacyHeader
	ID         uint64            `json:"id"`
	MethodName string            `json:"methodName"`
	Args       []json.RawMessage `json:"args"`
}

type legacyReplyWire struct {
	legacyHeader
	ID                 uint64          `json:"id"`
	Resolution         Resolution      `json:"resolution"`
	ReturnValue        json.RawMessage `json:"returnValue,omitempty"`
	ReturnValueIsError bool            `json:"returnValueIsError,omitempty"`
}

// EncodeLegacy 按旧版协议序列化。
func EncodeLegacy(l Legacy) ([]byte, error) {
	h := legacyHeader{Penpal: l.Kind}
	switch l.Kind {
	case LegacySyn:
		return json.Marshal(legacySynWire{legacyHeader: h, ParticipantID: l.ParticipantID})
	case LegacySynAck:
		names := l.MethodNames
		if names == nil {
			names = []string{}
		}
		return json.Marshal(legacySynAckWire{legacyHeader: h, MethodNames: names})
	case LegacyAck:
		return json.Marshal(h)
	case LegacyCall:
		args := l.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		return json.Marshal(legacyCallWire{legacyHeader: h, ID: l.ID, MethodName: l.MethodName, Args: args})
	case LegacyReply:
		return json.Marshal(legacyReplyWire{
			legacyHeader:       h,
			ID:                 l.ID,
			Resolution:         l.Resolution,
			ReturnValue:        l.ReturnValue,
			ReturnValueIsError: l.ReturnValueIsError,
		})
	default:
		return nil, fmt.Errorf("%w: legacy kind %q", ErrUnrecognized, l.Kind)
	}
}

type legacyEnvelope struct {
	Penpal             LegacyKind        `json:"penpal"`
	ParticipantID      string            `json:"participantId"`
	MethodNames        []string          `json:"methodNames"`
	ID                 uint64            `json:"id"`
	MethodName         string            `json:"methodName"`
	Args               []json.RawMessage `json:"args"`
	Resolution         Resolution        `json:"resolution"`
	ReturnValue        json.RawMessage   `json:"returnValue"`
	ReturnValueIsError bool              `json:"returnValueIsError"`
}

func (e legacyEnvelope) legacy() Legacy {
	return Legacy{
		Kind:               e.Penpal,
		ParticipantID:      e.ParticipantID,
		MethodNames:        e.MethodNames,
		ID:                 e.ID,
		MethodName:         e.MethodName,
		Args:               e.Args,
		Resolution:         e.Resolution,
		ReturnValue:        e.ReturnValue,
		ReturnValueIsError: e.ReturnValueIsError,
	}
}
