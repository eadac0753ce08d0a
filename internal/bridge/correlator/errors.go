package correlator

import (
	"encoding/json"
	"errors"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// RemoteError 表示对端以 isError 应答了调用。
type RemoteError struct {
	Method string
	// Value 是对端返回的原始值。
	Value json.RawMessage
	// Serialized 为 true 时 Value 是序列化的错误实例，Name/Message/Code 已解析。
	Serialized bool
	Name       string
	Message    string
	Code       message.ErrorCode
}

func newRemoteError(method string, r message.Reply) *RemoteError {
	e := &RemoteError{Method: method, Value: r.Value, Serialized: r.IsSerializedErrorInstance}
	if r.IsSerializedErrorInstance {
		var se message.SerializedError
		if err := json.Unmarshal(r.Value, &se); err == nil {
			e.Name = se.Name
			e.Message = se.Message
			e.Code = se.PenpalCode
		}
	}
	return e
}

func (e *RemoteError) Error() string {
	text := "remote call " + e.Method + " rejected"
	switch {
	case e.Message != "":
		text += ": " + e.Message
	case len(e.Value) > 0 && !e.Serialized:
		text += ": " + string(e.Value)
	}
	return text
}

// Is 让携带桥接错误码的远端错误匹配 message 包的哨兵值。
func (e *RemoteError) Is(target error) bool {
	if e.Code == "" {
		return false
	}
	var t *message.Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Code == e.Code
}
