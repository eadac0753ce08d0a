package message

import (
	"encoding/json"
	"fmt"
)

// Namespace 是当前协议所有消息携带的命名空间。
const Namespace = "penpal"

// Type 表示当前协议的消息类型。
type Type string

const (
	TypeSyn     Type = "SYN"
	TypeAck1    Type = "ACK1"
	TypeAck2    Type = "ACK2"
	TypeCall    Type = "CALL"
	TypeReply   Type = "REPLY"
	TypeDestroy Type = "DESTROY"
)

// Message 是当前协议消息的标记联合，只有本包内的类型可以实现它。
type Message interface {
	Type() Type
	sealed()
}

// Syn 由发起方发出，开始握手。
type Syn struct {
	ParticipantID string
}

// Ack1 由应答方发出，携带其可调用的方法路径表。
type Ack1 struct {
	MethodPaths [][]string
}

// Ack2 由发起方发出，握手完成。
type Ack2 struct{}

// Call 是一次远程方法调用。
type Call struct {
	ID         string
	MethodPath []string
	Args       []json.RawMessage
}

// Reply 是对 Call 的应答，CallID 与 Call.ID 对应。
type Reply struct {
	CallID                    string
	Value                     json.RawMessage
	IsError                   bool
	IsSerializedErrorInstance bool
}

// Destroy 通知对端关闭连接。
type Destroy struct{}

func (Syn) Type() Type     { return TypeSyn }
func (Ack1) Type() Type    { return TypeAck1 }
func (Ack2) Type() Type    { return TypeAck2 }
func (Call) Type() Type    { return TypeCall }
func (Reply) Type() Type   { return TypeReply }
func (Destroy) Type() Type { return TypeDestroy }

func (Syn) sealed()     {}
func (Ack1) sealed()    {}
func (Ack2) sealed()    {}
func (Call) sealed()    {}
func (Reply) sealed()   {}
func (Destroy) sealed() {}

type header struct {
	Namespace string `json:"namespace"`
	Type      Type   `json:"type"`
}

type synWire struct {
	header
	ParticipantID string `json:"participantId"`
}

type ack1Wire struct {
	header
	MethodPaths [][]string `json:"methodPaths"`
}

type callWire struct {
	header
	ID         string            `json:"id"`
	MethodPath []string          `json:"methodPath"`
	Args       []json.RawMessage `json:"args"`
}

type replyWire struct {
	header
	CallID                    string          `json:"callId"`
	Value                     json.RawMessage `json:"value,omitempty"`
	IsError                   bool            `json:"isError,omitempty"`
	IsSerializedErrorInstance bool            `json:"isSerializedErrorInstance,omitempty"`
}

// Encode 按当前协议序列化消息。
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	h := header{Namespace: Namespace, Type: m.Type()}
	switch msg := m.(type) {
	case Syn:
		return json.Marshal(synWire{header: h, ParticipantID: msg.ParticipantID})
	case Ack1:
		paths := msg.MethodPaths
		if paths == nil {
			paths = [][]string{}
		}
		return json.Marshal(ack1Wire{header: h, MethodPaths: paths})
	case Ack2, Destroy:
		return json.Marshal(h)
	case Call:
		args := msg.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		return json.Marshal(callWire{header: h, ID: msg.ID, MethodPath: msg.MethodPath, Args: args})
	case Reply:
		return json.Marshal(replyWire{
			header:                    h,
			CallID:                    msg.CallID,
			Value:                     msg.Value,
			IsError:                   msg.IsError,
			IsSerializedErrorInstance: msg.IsSerializedErrorInstance,
		})
	default:
		return nil, fmt.Errorf("%w: type %T", ErrUnrecognized, m)
	}
}

// envelope 覆盖当前协议全部字段，仅在通过 schema 校验后使用。
type envelope struct {
	Namespace                 string            `json:"namespace"`
	Type                      Type              `json:"type"`
	ParticipantID             string            `json:"participantId"`
	MethodPaths               [][]string        `json:"methodPaths"`
	ID                        string            `json:"id"`
	MethodPath                []string          `json:"methodPath"`
	Args                      []json.RawMessage `json:"args"`
	CallID                    string            `json:"callId"`
	Value                     json.RawMessage   `json:"value"`
	IsError                   bool              `json:"isError"`
	IsSerializedErrorInstance bool              `json:"isSerializedErrorInstance"`
}

func (e envelope) message() (Message, error) {
	switch e.Type {
	case TypeSyn:
		return Syn{ParticipantID: e.ParticipantID}, nil
	case TypeAck1:
		return Ack1{MethodPaths: e.MethodPaths}, nil
	case TypeAck2:
		return Ack2{}, nil
	case TypeCall:
		return Call{ID: e.ID, MethodPath: e.MethodPath, Args: e.Args}, nil
	case TypeReply:
		return Reply{
			CallID:                    e.CallID,
			Value:                     e.Value,
			IsError:                   e.IsError,
			IsSerializedErrorInstance: e.IsSerializedErrorInstance,
		}, nil
	case TypeDestroy:
		return Destroy{}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, e.Type)
	}
}

// SerializedError 是错误实例在线路上的形态。
type SerializedError struct {
	Name       string    `json:"name"`
	Message    string    `json:"message"`
	PenpalCode ErrorCode `json:"penpalCode,omitempty"`
}

// ErrorReply 构造一个携带序列化错误的 REPLY。
func ErrorReply(callID string, code ErrorCode, text string) Reply {
	value, _ := json.Marshal(SerializedError{Name: "PenpalError", Message: text, PenpalCode: code})
	return Reply{CallID: callID, Value: value, IsError: true, IsSerializedErrorInstance: true}
}
