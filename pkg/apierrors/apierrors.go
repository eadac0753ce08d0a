package apierrors

import (
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示对外暴露的统一错误码。
type Code string

const (
	CodeNotConfigured           Code = "NOT_CONFIGURED"
	CodeNotAuthenticated        Code = "NOT_AUTHENTICATED"
	CodeMissingRecoveryPassword Code = "MISSING_RECOVERY_PASSWORD"
	CodeMissingProjectEntropy   Code = "MISSING_PROJECT_ENTROPY"
	CodeMissingPasskey          Code = "MISSING_PASSKEY"
	CodeWrongRecoveryPassword   Code = "WRONG_RECOVERY_PASSWORD"
	CodeWrongPasskey            Code = "WRONG_PASSKEY"
	CodeOTPRequired             Code = "OTP_REQUIRED"
	CodeConnectionTimeout       Code = "CONNECTION_TIMEOUT"
	CodeMethodCallTimeout       Code = "METHOD_CALL_TIMEOUT"
	CodeConnectionDestroyed     Code = "CONNECTION_DESTROYED"
	CodeTransmissionFailed      Code = "TRANSMISSION_FAILED"
	CodeMethodNotFound          Code = "METHOD_NOT_FOUND"
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeUnknownSignerError      Code = "UNKNOWN_SIGNER_ERROR"
	CodeRetryLater              Code = "RETRY_LATER"
	CodeInternal                Code = "INTERNAL_ERROR"
)

var httpStatusMap = map[Code]int{
	CodeNotConfigured:           409,
	CodeNotAuthenticated:        401,
	CodeMissingRecoveryPassword: 412,
	CodeMissingProjectEntropy:   412,
	CodeMissingPasskey:          412,
	CodeWrongRecoveryPassword:   403,
	CodeWrongPasskey:            403,
	CodeOTPRequired:             401,
	CodeConnectionTimeout:       504,
	CodeMethodCallTimeout:       504,
	CodeConnectionDestroyed:     503,
	CodeTransmissionFailed:      503,
	CodeMethodNotFound:          501,
	CodeInvalidArgument:         400,
	CodeUnknownSignerError:      502,
	CodeRetryLater:              429,
	CodeInternal:                500,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeNotConfigured:           codes.FailedPrecondition,
	CodeNotAuthenticated:        codes.Unauthenticated,
	CodeMissingRecoveryPassword: codes.FailedPrecondition,
	CodeMissingProjectEntropy:   codes.FailedPrecondition,
	CodeMissingPasskey:          codes.FailedPrecondition,
	CodeWrongRecoveryPassword:   codes.PermissionDenied,
	CodeWrongPasskey:            codes.PermissionDenied,
	CodeOTPRequired:             codes.Unauthenticated,
	CodeConnectionTimeout:       codes.DeadlineExceeded,
	CodeMethodCallTimeout:       codes.DeadlineExceeded,
	CodeConnectionDestroyed:     codes.Unavailable,
	CodeTransmissionFailed:      codes.Unavailable,
	CodeMethodNotFound:          codes.Unimplemented,
	CodeInvalidArgument:         codes.InvalidArgument,
	CodeUnknownSignerError:      codes.Unknown,
	CodeRetryLater:              codes.ResourceExhausted,
	CodeInternal:                codes.Internal,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	retryAfter time.Duration
	cause      error
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建保留底层错误的业务错误。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	switch code {
	case CodeRetryLater, CodeConnectionTimeout, CodeMethodCallTimeout, CodeConnectionDestroyed, CodeTransmissionFailed:
		return true
	}
	return false
}
