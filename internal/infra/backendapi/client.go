// Package backendapi 是后端 REST 协作方：令牌刷新、会话注销与 JWKS 缓存。
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"golang.org/x/sync/singleflight"
)

// Config 控制重试、缓存与刷新阈值。
type Config struct {
	BaseURL        string
	PublishableKey string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
	JWKSCacheTTL   time.Duration
	// RefreshSkew 内即将过期的令牌提前刷新。
	RefreshSkew time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

var (
	ErrMissingToken   = errors.New("authentication token is missing")
	ErrSessionExpired = errors.New("session expired and no refresh token is available")
	ErrInvalidToken   = errors.New("authentication token is invalid")
	ErrNoSigningKey   = errors.New("no matching signing key in jwks")
)

// StatusError 是后端返回的非 2xx 应答。
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary 报告错误是否值得重试。
func (e *StatusError) Temporary() bool { return e.StatusCode >= 500 }

// Client 访问后端 REST 接口。
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	cacheMu sync.Mutex
	cache   keySet
	// flights 保证同一刷新令牌与 JWKS 各只有一个在飞请求。
	flights singleflight.Group

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewClient 构造 Client。
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.PublishableKey == "" {
		return nil, errors.New("base url and publishable key are required")
	}
	normalized := cfg
	normalized.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if normalized.MaxAttempts <= 0 {
		normalized.MaxAttempts = 3
	}
	if normalized.InitialBackoff <= 0 {
		normalized.InitialBackoff = 50 * time.Millisecond
	}
	if normalized.MaxBackoff <= 0 {
		normalized.MaxBackoff = time.Second
	}
	if normalized.JitterFactor <= 0 {
		normalized.JitterFactor = 0.2
	}
	if normalized.JWKSCacheTTL <= 0 {
		normalized.JWKSCacheTTL = 5 * time.Minute
	}
	if normalized.RefreshSkew <= 0 {
		normalized.RefreshSkew = 30 * time.Second
	}
	if normalized.Logger == nil {
		normalized.Logger = slog.Default()
	}
	httpClient := normalized.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:  normalized,
		http: httpClient,
		now:  time.Now,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Player       struct {
		ID string `json:"id"`
	} `json:"player"`
}

// Refresh 用刷新令牌换取新凭据。并发刷新同一令牌只发一次请求。
func (c *Client) Refresh(ctx context.Context, auth *session.Authentication) (*session.Authentication, error) {
	if auth == nil || auth.RefreshToken == "" {
		return nil, ErrSessionExpired
	}
	v, err, shared := c.flights.Do("refresh:"+auth.RefreshToken, func() (any, error) {
		return c.refresh(ctx, auth)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.cfg.Logger.Debug("session refresh shared with concurrent caller", "player", auth.Player)
	}
	refreshed := *v.(*session.Authentication)
	return &refreshed, nil
}

func (c *Client) refresh(ctx context.Context, auth *session.Authentication) (*session.Authentication, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "/iam/v1/sessions/refresh", c.projectHeaders(),
		refreshRequest{RefreshToken: auth.RefreshToken}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("refresh session: empty token in response")
	}
	player := resp.Player.ID
	if player == "" {
		player = auth.Player
	}
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = auth.RefreshToken
	}
	return &session.Authentication{Token: resp.Token, RefreshToken: refreshToken, Player: player}, nil
}

// Revoke 注销后端会话。第三方凭据由其提供方管理，直接返回。
func (c *Client) Revoke(ctx context.Context, auth *session.Authentication) error {
	if auth == nil || auth.IsThirdParty() || auth.RefreshToken == "" {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/iam/v1/sessions/logout", c.authHeaders(auth),
		refreshRequest{RefreshToken: auth.RefreshToken}, nil); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// projectHeaders 用于不携带玩家身份的请求。
func (c *Client) projectHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.PublishableKey)
	return h
}

// authHeaders 携带玩家身份：第三方凭据以项目密钥鉴权并附带令牌，否则直接用玩家令牌。
func (c *Client) authHeaders(auth *session.Authentication) http.Header {
	h := http.Header{}
	if auth.IsThirdParty() {
		h.Set("Authorization", "Bearer "+c.cfg.PublishableKey)
		h.Set("x-player-token", auth.Token)
		h.Set("x-auth-provider", auth.ThirdPartyProvider)
		h.Set("x-token-type", auth.ThirdPartyTokenType)
		return h
	}
	h.Set("Authorization", "Bearer "+auth.Token)
	h.Set("x-project-key", c.cfg.PublishableKey)
	return h
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.once(ctx, method, path, header, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return err
		}
		lastErr = err
		c.cfg.Logger.Warn("backend call failed", slog.String("path", path), slog.Int("attempt", attempt), slog.Any("err", err))
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoffDuration(attempt)):
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, header http.Header, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	delay := c.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(delay) * c.cfg.JitterFactor)
	if jitter <= 0 {
		return delay
	}
	c.randMu.Lock()
	delta := time.Duration(c.rnd.Int63n(int64(2*jitter)+1)) - jitter
	c.randMu.Unlock()
	return max(delay+delta, 0)
}
