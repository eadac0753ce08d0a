package signerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/bridgetest"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
	"github.com/aegis-sign/embedded-bridge/internal/signerrpc"
	"github.com/aegis-sign/embedded-bridge/pkg/apierrors"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	signFn   func(ctx context.Context, p signer.SignParams) (string, error)
	deviceFn func(ctx context.Context, playerID string) (*session.Account, error)
	logoutFn func(ctx context.Context) error
	authFn   func(ctx context.Context, auth *session.Authentication) error
}

func (s *stubBackend) Create(context.Context, signer.CreateParams) (*session.Account, error) {
	return &session.Account{ID: "acc_1", Address: "0xabc", ChainID: 80002}, nil
}

func (s *stubBackend) Recover(context.Context, string, *signer.Entropy) (*session.Account, error) {
	return &session.Account{ID: "acc_1"}, nil
}

func (s *stubBackend) Sign(ctx context.Context, p signer.SignParams) (string, error) {
	if s.signFn != nil {
		return s.signFn(ctx, p)
	}
	return "0xsig", nil
}

func (s *stubBackend) SwitchChain(_ context.Context, chainID int64) (*session.Account, error) {
	return &session.Account{ID: "acc_1", ChainID: chainID}, nil
}

func (s *stubBackend) Export(context.Context) (string, error) { return "0xkey", nil }

func (s *stubBackend) SetRecoveryMethod(context.Context, session.RecoveryMethod, *signer.Entropy) error {
	return nil
}

func (s *stubBackend) UpdateAuthentication(ctx context.Context, auth *session.Authentication) error {
	if s.authFn != nil {
		return s.authFn(ctx, auth)
	}
	return nil
}

func (s *stubBackend) Logout(ctx context.Context) error {
	if s.logoutFn != nil {
		return s.logoutFn(ctx)
	}
	return nil
}

func (s *stubBackend) GetCurrentDevice(ctx context.Context, playerID string) (*session.Account, error) {
	if s.deviceFn != nil {
		return s.deviceFn(ctx, playerID)
	}
	return nil, nil
}

func serve(t *testing.T, backend Backend, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(backend).Register(mux)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHandleSignDefaultsRequireHash(t *testing.T) {
	var got signer.SignParams
	backend := &stubBackend{signFn: func(_ context.Context, p signer.SignParams) (string, error) {
		got = p
		return "0x1234", nil
	}}
	rr := serve(t, backend, http.MethodPost, "/v1/signer/sign", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, got.RequireHash)
	require.False(t, got.RequireArrayify)
	require.JSONEq(t, `{"signature":"0x1234"}`, rr.Body.String())
}

func TestHandleSignRejectsInvalidMessage(t *testing.T) {
	rr := serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/sign", `{"message":"0xzz","requireArrayify":true}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, string(apierrors.CodeInvalidArgument), decodeError(t, rr).Code)

	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/sign", `{not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, &stubBackend{}, http.MethodGet, "/v1/signer/sign", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		code       apierrors.Code
		retryAfter string
	}{
		{signer.ErrNotConfigured, http.StatusConflict, apierrors.CodeNotConfigured, ""},
		{&signer.Error{Code: "MISSING_RECOVERY_PASSWORD", Action: signerrpc.EventSign}, http.StatusPreconditionFailed, apierrors.CodeMissingRecoveryPassword, ""},
		{signer.ErrWrongPasskey, http.StatusForbidden, apierrors.CodeWrongPasskey, ""},
		{signer.ErrOTPRequired, http.StatusUnauthorized, apierrors.CodeOTPRequired, ""},
		{signer.ErrNotAuthenticated, http.StatusUnauthorized, apierrors.CodeNotAuthenticated, ""},
		{fmt.Errorf("sign: %w", message.NewError(message.CodeConnectionDestroyed, "destroyed")), http.StatusServiceUnavailable, apierrors.CodeConnectionDestroyed, "1"},
		{message.NewError(message.CodeMethodCallTimeout, "slow"), http.StatusGatewayTimeout, apierrors.CodeMethodCallTimeout, "1"},
		{message.NewError(message.CodeMethodNotFound, "sign"), http.StatusNotImplemented, apierrors.CodeMethodNotFound, ""},
		{&signer.UnknownError{Code: "quota-exceeded-error", Action: signerrpc.EventSign}, http.StatusBadGateway, apierrors.CodeUnknownSignerError, ""},
		{signerrpc.ErrInvalidResponse, http.StatusBadGateway, apierrors.CodeUnknownSignerError, ""},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, apierrors.CodeMethodCallTimeout, "1"},
		{errors.New("disk on fire"), http.StatusInternalServerError, apierrors.CodeInternal, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			backend := &stubBackend{signFn: func(context.Context, signer.SignParams) (string, error) { return "", tc.err }}
			rr := serve(t, backend, http.MethodPost, "/v1/signer/sign", `{"message":"hi"}`)
			require.Equal(t, tc.status, rr.Code)
			body := decodeError(t, rr)
			require.Equal(t, string(tc.code), body.Code)
			require.Equal(t, tc.retryAfter, rr.Header().Get("Retry-After"))
			require.Equal(t, tc.retryAfter, body.RetryAfterHint)
		})
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	backend := &stubBackend{logoutFn: func(context.Context) error { return errors.New("secret path /var/lib/x") }}
	rr := serve(t, backend, http.MethodPost, "/v1/signer/logout", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "secret path")
}

func TestLogoutJoinedErrorIsClassified(t *testing.T) {
	backend := &stubBackend{logoutFn: func(context.Context) error {
		return errors.Join(fmt.Errorf("remote logout: %w", message.NewError(message.CodeConnectionTimeout, "")), nil)
	}}
	rr := serve(t, backend, http.MethodPost, "/v1/signer/logout", "")
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)

	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/logout", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestDeviceEndpoint(t *testing.T) {
	rr := serve(t, &stubBackend{}, http.MethodGet, "/v1/signer/device?playerId=pla_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"device":null}`, rr.Body.String())

	backend := &stubBackend{deviceFn: func(_ context.Context, playerID string) (*session.Account, error) {
		require.Equal(t, "pla_2", playerID)
		return &session.Account{ID: "acc_2", Address: "0xdef", ChainID: 1, AccountType: "Externally Owned Account"}, nil
	}}
	rr = serve(t, backend, http.MethodGet, "/v1/signer/device?playerId=pla_2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body deviceResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "acc_2", body.Device.ID)

	rr = serve(t, &stubBackend{}, http.MethodGet, "/v1/signer/device", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/device?playerId=pla_1", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthenticationEndpoint(t *testing.T) {
	var got *session.Authentication
	backend := &stubBackend{authFn: func(_ context.Context, auth *session.Authentication) error {
		got = auth
		return nil
	}}
	rr := serve(t, backend, http.MethodPost, "/v1/signer/authentication", `{"token":"t","player":"pla_1","refreshToken":"r"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "r", got.RefreshToken)

	rr = serve(t, backend, http.MethodPost, "/v1/signer/authentication", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, got)

	rr = serve(t, backend, http.MethodPost, "/v1/signer/authentication", `{"token":"t"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSwitchChainAndRecoveryValidation(t *testing.T) {
	rr := serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/switch-chain", `{"chainId":0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/switch-chain", `{"chainId":137}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/recovery-method", `{"method":"telepathy"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/recovery-method", `{"method":"password","entropy":{"recoveryPassword":"pw"}}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/recover", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, &stubBackend{}, http.MethodPost, "/v1/signer/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestHealthz(t *testing.T) {
	mux := http.NewServeMux()
	healthy := true
	NewHTTPHandler(&stubBackend{}, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("relay breaker open")
	})).Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	healthy = false
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestFacadeOverBridge(t *testing.T) {
	peer := bridgetest.NewPeer(bridgetest.FormatCurrent)
	t.Cleanup(peer.Close)
	m := connection.NewManager(peer.Factory())
	t.Cleanup(m.Close)
	repo := session.NewRepository(session.NewMemoryStore())
	require.NoError(t, repo.SaveAuthentication(context.Background(), &session.Authentication{Token: "tok", Player: "pla_1"}))
	s := signer.New(m, repo, signer.Config{PublishableKey: "pk_test_123"})

	peer.Reply("sign", map[string]any{"success": true, "signature": "0xfeed"})
	peer.Reply("getCurrentDevice", map[string]any{"error": "not-configured-error"})

	rr := serve(t, s, http.MethodPost, "/v1/signer/sign", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"signature":"0xfeed"}`, rr.Body.String())

	rr = serve(t, s, http.MethodGet, "/v1/signer/device?playerId=pla_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"device":null}`, rr.Body.String())
}
