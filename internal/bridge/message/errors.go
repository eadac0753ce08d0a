package message

import (
	"errors"
)

var (
	// ErrUnrecognized 表示消息既不是当前协议也不是旧版协议。
	ErrUnrecognized = errors.New("unrecognized message shape")
	// ErrMalformed 表示消息能识别协议但字段不合法。
	ErrMalformed = errors.New("malformed message")
)

// ErrorCode 是桥接层的错误码。
type ErrorCode string

const (
	CodeConnectionDestroyed ErrorCode = "CONNECTION_DESTROYED"
	CodeConnectionTimeout   ErrorCode = "CONNECTION_TIMEOUT"
	CodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	CodeMethodCallTimeout   ErrorCode = "METHOD_CALL_TIMEOUT"
	CodeMethodNotFound      ErrorCode = "METHOD_NOT_FOUND"
	CodeTransmissionFailed  ErrorCode = "TRANSMISSION_FAILED"
)

// Error 是携带错误码的桥接层错误。errors.Is 按错误码匹配。
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// 供 errors.Is 使用的哨兵值。
var (
	ErrConnectionDestroyed = &Error{Code: CodeConnectionDestroyed}
	ErrConnectionTimeout   = &Error{Code: CodeConnectionTimeout}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
	ErrMethodCallTimeout   = &Error{Code: CodeMethodCallTimeout}
	ErrMethodNotFound      = &Error{Code: CodeMethodNotFound}
	ErrTransmissionFailed  = &Error{Code: CodeTransmissionFailed}
)

// NewError 创建桥接层错误。
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// WrapError 创建包装底层错误的桥接层错误。
func WrapError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := string(e.Code)
	if e.Message != "" {
		text += ": " + e.Message
	}
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}
	return text
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is 让 errors.Is(err, ErrConnectionDestroyed) 这类判断按错误码成立。
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf 提取错误链上的桥接层错误码。
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}
