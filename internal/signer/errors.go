package signer

import (
	"errors"

	"github.com/aegis-sign/embedded-bridge/internal/signerrpc"
)

// Error 是签名器领域错误，errors.Is 按 Code 匹配。
type Error struct {
	Code    string
	Message string
	// Action 是触发错误的操作，哨兵值为空。
	Action signerrpc.Event
}

func (e *Error) Error() string {
	text := e.Message
	if text == "" {
		text = e.Code
	}
	if e.Action != "" {
		return string(e.Action) + ": " + text
	}
	return text
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrNotConfigured           = &Error{Code: "NOT_CONFIGURED", Message: "signer is not configured"}
	ErrMissingRecoveryPassword = &Error{Code: "MISSING_RECOVERY_PASSWORD", Message: "recovery password is required"}
	ErrWrongRecoveryPassword   = &Error{Code: "WRONG_RECOVERY_PASSWORD", Message: "recovery password is incorrect"}
	ErrMissingProjectEntropy   = &Error{Code: "MISSING_PROJECT_ENTROPY", Message: "project entropy is missing"}
	ErrMissingPasskey          = &Error{Code: "MISSING_PASSKEY", Message: "passkey is required"}
	ErrWrongPasskey            = &Error{Code: "WRONG_PASSKEY", Message: "passkey is incorrect"}
	ErrOTPRequired             = &Error{Code: "OTP_REQUIRED", Message: "one-time password verification is required"}

	// ErrNotAuthenticated 表示本地没有可用的登录凭据。
	ErrNotAuthenticated = &Error{Code: "NOT_AUTHENTICATED", Message: "no authentication in session"}
	// ErrInvalidEntropy 表示同时提供了多种熵。
	ErrInvalidEntropy = &Error{Code: "INVALID_ENTROPY", Message: "at most one of recovery password, encryption session or passkey may be set"}
)

var remoteCodes = map[signerrpc.ErrorCode]*Error{
	signerrpc.CodeNotConfigured:         ErrNotConfigured,
	signerrpc.CodeMissingUserEntropy:    ErrMissingRecoveryPassword,
	signerrpc.CodeIncorrectUserEntropy:  ErrWrongRecoveryPassword,
	signerrpc.CodeMissingProjectEntropy: ErrMissingProjectEntropy,
	signerrpc.CodeMissingPasskey:        ErrMissingPasskey,
	signerrpc.CodeIncorrectPasskey:      ErrWrongPasskey,
	signerrpc.CodeOTPRequired:           ErrOTPRequired,
}

// UnknownError 保留无法识别的远端错误码。
type UnknownError struct {
	Code   string
	Action signerrpc.Event
}

func (e *UnknownError) Error() string {
	return string(e.Action) + ": unknown signer error " + e.Code
}

// translate 把应答中的错误码转换为类型化错误，其余错误原样返回。
func translate(err error) error {
	var re *signerrpc.ResponseError
	if !errors.As(err, &re) {
		return err
	}
	if sentinel, ok := remoteCodes[re.Code]; ok {
		return &Error{Code: sentinel.Code, Message: sentinel.Message, Action: re.Action}
	}
	return &UnknownError{Code: string(re.Code), Action: re.Action}
}
