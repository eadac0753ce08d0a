package signerapi

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/aegis-sign/embedded-bridge/internal/infra/backendapi"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
	"github.com/aegis-sign/embedded-bridge/internal/signerrpc"
	"github.com/aegis-sign/embedded-bridge/pkg/apierrors"
)

const defaultRetryAfter = time.Second

var signerCodes = map[string]apierrors.Code{
	signer.ErrNotConfigured.Code:           apierrors.CodeNotConfigured,
	signer.ErrMissingRecoveryPassword.Code: apierrors.CodeMissingRecoveryPassword,
	signer.ErrWrongRecoveryPassword.Code:   apierrors.CodeWrongRecoveryPassword,
	signer.ErrMissingProjectEntropy.Code:   apierrors.CodeMissingProjectEntropy,
	signer.ErrMissingPasskey.Code:          apierrors.CodeMissingPasskey,
	signer.ErrWrongPasskey.Code:            apierrors.CodeWrongPasskey,
	signer.ErrOTPRequired.Code:             apierrors.CodeOTPRequired,
	signer.ErrNotAuthenticated.Code:        apierrors.CodeNotAuthenticated,
	signer.ErrInvalidEntropy.Code:          apierrors.CodeInvalidArgument,
}

var bridgeCodes = map[message.ErrorCode]apierrors.Code{
	message.CodeConnectionDestroyed: apierrors.CodeConnectionDestroyed,
	message.CodeConnectionTimeout:   apierrors.CodeConnectionTimeout,
	message.CodeInvalidArgument:     apierrors.CodeInvalidArgument,
	message.CodeMethodCallTimeout:   apierrors.CodeMethodCallTimeout,
	message.CodeMethodNotFound:      apierrors.CodeMethodNotFound,
	message.CodeTransmissionFailed:  apierrors.CodeTransmissionFailed,
}

// ToAPIError 把签名器、桥接层与后端错误归类为对外错误码，无法归类的返回 INTERNAL_ERROR。
func ToAPIError(err error) *apierrors.Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return apiErr
	}
	var se *signer.Error
	if errors.As(err, &se) {
		if code, ok := signerCodes[se.Code]; ok {
			return apierrors.Wrap(code, se.Error(), err)
		}
	}
	var unknown *signer.UnknownError
	if errors.As(err, &unknown) {
		return apierrors.Wrap(apierrors.CodeUnknownSignerError, unknown.Error(), err)
	}
	var remote *correlator.RemoteError
	if errors.As(err, &remote) {
		if mapped, ok := bridgeCodes[remote.Code]; ok {
			return withRetryHint(apierrors.Wrap(mapped, remote.Error(), err))
		}
		return apierrors.Wrap(apierrors.CodeUnknownSignerError, remote.Error(), err)
	}
	if code, ok := message.CodeOf(err); ok {
		if mapped, ok := bridgeCodes[code]; ok {
			return withRetryHint(apierrors.Wrap(mapped, err.Error(), err))
		}
	}
	if errors.Is(err, signerrpc.ErrInvalidResponse) {
		return apierrors.Wrap(apierrors.CodeUnknownSignerError, err.Error(), err)
	}
	if errors.Is(err, backendapi.ErrMissingToken) || errors.Is(err, backendapi.ErrSessionExpired) || errors.Is(err, backendapi.ErrInvalidToken) {
		return apierrors.Wrap(apierrors.CodeNotAuthenticated, err.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return withRetryHint(apierrors.Wrap(apierrors.CodeMethodCallTimeout, "request deadline exceeded", err))
	}
	var status *backendapi.StatusError
	if errors.As(err, &status) && status.Temporary() {
		return withRetryHint(apierrors.Wrap(apierrors.CodeRetryLater, "backend temporarily unavailable", err))
	}
	return apierrors.Wrap(apierrors.CodeInternal, "internal error", err)
}

func withRetryHint(e *apierrors.Error) *apierrors.Error {
	if apierrors.RequiresRetryAfter(e.Code) {
		e.WithRetryAfter(defaultRetryAfter)
	}
	return e
}
