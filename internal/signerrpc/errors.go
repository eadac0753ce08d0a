package signerrpc

import (
	"errors"
	"fmt"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
)

// ErrorCode 是嵌入签名器在应答 error 字段中返回的错误码。
type ErrorCode string

const (
	CodeNotConfigured         ErrorCode = "not-configured-error"
	CodeMissingUserEntropy    ErrorCode = "missing-user-entropy-error"
	CodeMissingProjectEntropy ErrorCode = "missing-project-entropy-error"
	CodeIncorrectUserEntropy  ErrorCode = "incorrect-user-entropy-error"
	CodeMissingPasskey        ErrorCode = "missing-passkey-error"
	CodeIncorrectPasskey      ErrorCode = "incorrect-passkey-error"
	CodeOTPRequired           ErrorCode = "otp-required-error"
)

// ErrInvalidResponse 表示应答既不是已知的成功结构也不是错误结构。
var ErrInvalidResponse = errors.New("signer returned an invalid response")

// ResponseError 是嵌入签名器返回的领域错误。
type ResponseError struct {
	Code   ErrorCode
	Action Event
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("signer %s failed: %s", e.Action, e.Code)
}

// RemoteError 是对端以 isError 拒绝调用时的错误。
type RemoteError = correlator.RemoteError

// IsRemote 报告 err 是否来自对端的应答（领域错误或拒绝），而非传输层。
func IsRemote(err error) bool {
	var re *ResponseError
	if errors.As(err, &re) {
		return true
	}
	var rej *RemoteError
	return errors.As(err, &rej)
}
