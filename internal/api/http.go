package signerapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
	"github.com/aegis-sign/embedded-bridge/pkg/apierrors"
	"github.com/aegis-sign/embedded-bridge/pkg/validator"
)

const maxBodyBytes = 1 << 20

// HealthFunc 报告进程是否可服务，nil 表示健康。
type HealthFunc func(ctx context.Context) error

// Option 自定义 HTTPHandler。
type Option func(*HTTPHandler)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPHandler) { h.logger = l }
}

// WithHealthCheck 设置 /healthz 使用的检查。
func WithHealthCheck(fn HealthFunc) Option {
	return func(h *HTTPHandler) { h.health = fn }
}

// HTTPHandler 实现 `/v1/signer/*` HTTP/JSON 接口。
type HTTPHandler struct {
	backend Backend
	logger  *slog.Logger
	health  HealthFunc
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(backend Backend, opts ...Option) *HTTPHandler {
	if backend == nil {
		panic("signer backend is required")
	}
	h := &HTTPHandler{backend: backend}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/signer/create", h.post(h.handleCreate))
	mux.HandleFunc("/v1/signer/recover", h.post(h.handleRecover))
	mux.HandleFunc("/v1/signer/sign", h.post(h.handleSign))
	mux.HandleFunc("/v1/signer/switch-chain", h.post(h.handleSwitchChain))
	mux.HandleFunc("/v1/signer/export", h.post(h.handleExport))
	mux.HandleFunc("/v1/signer/recovery-method", h.post(h.handleRecoveryMethod))
	mux.HandleFunc("/v1/signer/logout", h.post(h.handleLogout))
	mux.HandleFunc("/v1/signer/authentication", h.post(h.handleAuthentication))
	mux.HandleFunc("/v1/signer/device", h.handleDevice)
	mux.HandleFunc("/healthz", h.handleHealth)
}

type passkeyBody struct {
	ID  string `json:"id"`
	Key string `json:"key,omitempty"`
}

type entropyBody struct {
	RecoveryPassword  string       `json:"recoveryPassword,omitempty"`
	EncryptionSession string       `json:"encryptionSession,omitempty"`
	Passkey           *passkeyBody `json:"passkey,omitempty"`
}

func (e *entropyBody) toEntropy() *signer.Entropy {
	if e == nil {
		return nil
	}
	out := &signer.Entropy{RecoveryPassword: e.RecoveryPassword, EncryptionSession: e.EncryptionSession}
	if e.Passkey != nil {
		out.Passkey = &signer.Passkey{ID: e.Passkey.ID, Key: e.Passkey.Key}
	}
	return out
}

type createRequestBody struct {
	AccountType string       `json:"accountType"`
	ChainType   string       `json:"chainType"`
	ChainID     *int64       `json:"chainId"`
	Entropy     *entropyBody `json:"entropy"`
}

type recoverRequestBody struct {
	AccountID string       `json:"accountId"`
	Entropy   *entropyBody `json:"entropy"`
}

type signRequestBody struct {
	Message         string `json:"message"`
	RequireArrayify *bool  `json:"requireArrayify"`
	RequireHash     *bool  `json:"requireHash"`
}

type signResponseBody struct {
	Signature string `json:"signature"`
}

type switchChainRequestBody struct {
	ChainID int64 `json:"chainId"`
}

type exportResponseBody struct {
	Key string `json:"key"`
}

type recoveryMethodRequestBody struct {
	Method  string       `json:"method"`
	Entropy *entropyBody `json:"entropy"`
}

type deviceResponseBody struct {
	Device *session.Account `json:"device"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		fn(w, r)
	}
}

// decode 解析请求体，空请求体视为零值。
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body"))
		return false
	}
	return true
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.ChainID != nil {
		if err := validator.ValidateChainID(*body.ChainID); err != nil {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
			return
		}
	}
	account, err := h.backend.Create(r.Context(), signer.CreateParams{
		AccountType: body.AccountType,
		ChainType:   body.ChainType,
		ChainID:     body.ChainID,
		Entropy:     body.Entropy.toEntropy(),
	})
	if err != nil {
		h.writeUnknownError(w, "create", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *HTTPHandler) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body recoverRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.AccountID == "" {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "accountId is required"))
		return
	}
	account, err := h.backend.Recover(r.Context(), body.AccountID, body.Entropy.toEntropy())
	if err != nil {
		h.writeUnknownError(w, "recover", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *HTTPHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	params := signer.SignParams{Message: body.Message, RequireHash: true}
	if body.RequireArrayify != nil {
		params.RequireArrayify = *body.RequireArrayify
	}
	if body.RequireHash != nil {
		params.RequireHash = *body.RequireHash
	}
	if err := validator.ValidateSignMessage(params.Message, params.RequireArrayify, params.RequireHash); err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return
	}
	signature, err := h.backend.Sign(r.Context(), params)
	if err != nil {
		h.writeUnknownError(w, "sign", err)
		return
	}
	h.writeJSON(w, http.StatusOK, signResponseBody{Signature: signature})
}

func (h *HTTPHandler) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var body switchChainRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if err := validator.ValidateChainID(body.ChainID); err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return
	}
	account, err := h.backend.SwitchChain(r.Context(), body.ChainID)
	if err != nil {
		h.writeUnknownError(w, "switch-chain", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *HTTPHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	key, err := h.backend.Export(r.Context())
	if err != nil {
		h.writeUnknownError(w, "export", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, exportResponseBody{Key: key})
}

func (h *HTTPHandler) handleRecoveryMethod(w http.ResponseWriter, r *http.Request) {
	var body recoveryMethodRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	method, err := validator.NormalizeRecoveryMethod(body.Method)
	if err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return
	}
	if err := h.backend.SetRecoveryMethod(r.Context(), session.RecoveryMethod(method), body.Entropy.toEntropy()); err != nil {
		h.writeUnknownError(w, "set-recovery-method", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleAuthentication(w http.ResponseWriter, r *http.Request) {
	var body session.Authentication
	if !h.decode(w, r, &body) {
		return
	}
	var auth *session.Authentication
	if body.Token != "" {
		if body.Player == "" {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "player is required with token"))
			return
		}
		auth = &body
	}
	if err := h.backend.UpdateAuthentication(r.Context(), auth); err != nil {
		h.writeUnknownError(w, "update-authentication", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Logout(r.Context()); err != nil {
		h.writeUnknownError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "GET required"))
		return
	}
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	if playerID == "" {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "playerId is required"))
		return
	}
	account, err := h.backend.GetCurrentDevice(r.Context(), playerID)
	if err != nil {
		h.writeUnknownError(w, "get-current-device", err)
		return
	}
	h.writeJSON(w, http.StatusOK, deviceResponseBody{Device: account})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, op string, err error) {
	apiErr := ToAPIError(err)
	if apiErr.Code == apierrors.CodeInternal {
		h.logger.Error("signer request failed", "op", op, "err", err)
	} else {
		h.logger.Debug("signer request rejected", "op", op, "code", apiErr.Code, "err", err)
	}
	h.writeAPIError(w, apiErr)
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if apierrors.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		RetryAfterHint: apiErr.RetryAfterHint(),
	}
	h.writeJSON(w, status, resp)
}
