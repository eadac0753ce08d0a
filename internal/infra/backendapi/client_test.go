package backendapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	t         *testing.T
	key       *ecdsa.PrivateKey
	kid       atomic.Value
	jwksCalls atomic.Int32
	refreshes atomic.Int32
	failures  atomic.Int32
	lastAuth  atomic.Value
	logoutHdr atomic.Value
	delay     atomic.Int64
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	fb := &fakeBackend{t: t, key: key}
	fb.kid.Store("k1")
	mux := http.NewServeMux()
	mux.HandleFunc("/iam/v1/pk_test_123/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		fb.jwksCalls.Add(1)
		pub := fb.key.PublicKey
		_ = json.NewEncoder(w).Encode(jwksResponse{Keys: []jwk{{
			Kty: "EC", Crv: "P-256", Alg: "ES256", Kid: fb.kid.Load().(string),
			X: base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
			Y: base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
		}}})
	})
	mux.HandleFunc("/iam/v1/sessions/refresh", func(w http.ResponseWriter, r *http.Request) {
		if fb.failures.Load() > 0 {
			fb.failures.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		time.Sleep(time.Duration(fb.delay.Load()))
		fb.refreshes.Add(1)
		fb.lastAuth.Store(r.Header.Get("Authorization"))
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "rt" {
			http.Error(w, "bad refresh token", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"fresh","refreshToken":"rt2","player":{"id":"pla_1"}}`))
	})
	mux.HandleFunc("/iam/v1/sessions/logout", func(w http.ResponseWriter, r *http.Request) {
		fb.logoutHdr.Store(r.Header.Clone())
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) token(exp time.Time, kid string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Subject:   "pla_1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(fb.key)
	require.NoError(fb.t, err)
	return signed
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        srv.URL + "/",
		PublishableKey: "pk_test_123",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestValidateKeepsFreshToken(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	auth := &session.Authentication{Token: fb.token(time.Now().Add(time.Hour), "k1"), RefreshToken: "rt"}

	got, err := c.Validate(context.Background(), auth)
	require.NoError(t, err)
	require.Equal(t, auth.Token, got.Token)
	require.Equal(t, "pla_1", got.Player)

	_, err = c.Validate(context.Background(), auth)
	require.NoError(t, err)
	require.Equal(t, int32(1), fb.jwksCalls.Load())
	require.Zero(t, fb.refreshes.Load())
}

func TestValidateRefreshesNearExpiry(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	for _, exp := range []time.Time{time.Now().Add(10 * time.Second), time.Now().Add(-time.Minute)} {
		auth := &session.Authentication{Token: fb.token(exp, "k1"), RefreshToken: "rt", Player: "pla_1"}
		got, err := c.Validate(context.Background(), auth)
		require.NoError(t, err)
		require.Equal(t, "fresh", got.Token)
		require.Equal(t, "rt2", got.RefreshToken)
	}
	require.Equal(t, int32(2), fb.refreshes.Load())
	require.Equal(t, "Bearer pk_test_123", fb.lastAuth.Load())
}

func TestValidateExpiredWithoutRefreshToken(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	_, err := c.Validate(context.Background(), &session.Authentication{Token: fb.token(time.Now(), "")})
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	_, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(other)
	require.NoError(t, err)

	_, err = c.Validate(context.Background(), &session.Authentication{Token: signed})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestUnknownKidRefetchesJWKS(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	_, err := c.Validate(context.Background(), &session.Authentication{Token: fb.token(time.Now().Add(time.Hour), "k1")})
	require.NoError(t, err)

	fb.kid.Store("k2")
	_, err = c.Validate(context.Background(), &session.Authentication{Token: fb.token(time.Now().Add(time.Hour), "k2")})
	require.NoError(t, err)
	require.Equal(t, int32(2), fb.jwksCalls.Load())

	_, err = c.Validate(context.Background(), &session.Authentication{Token: fb.token(time.Now().Add(time.Hour), "k9")})
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, err, ErrNoSigningKey)
}

func TestValidateThirdPartyOnlyChecksPresence(t *testing.T) {
	_, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	auth := &session.Authentication{Token: "opaque", ThirdPartyProvider: "firebase", ThirdPartyTokenType: "idToken"}
	got, err := c.Validate(context.Background(), auth)
	require.NoError(t, err)
	require.Same(t, auth, got)

	_, err = c.Validate(context.Background(), &session.Authentication{})
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestRefreshRetriesTemporaryFailures(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	fb.failures.Store(2)

	got, err := c.Refresh(context.Background(), &session.Authentication{RefreshToken: "rt"})
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Token)
	require.Equal(t, "pla_1", got.Player)
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	fb.delay.Store(int64(200 * time.Millisecond))

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Refresh(context.Background(), &session.Authentication{RefreshToken: "rt", Player: "pla_1"})
			if err == nil {
				tokens[i] = got.Token
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), fb.refreshes.Load())
	for _, tok := range tokens {
		require.Equal(t, "fresh", tok)
	}
}

func TestRefreshDoesNotRetryClientErrors(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	_, err := c.Refresh(context.Background(), &session.Authentication{RefreshToken: "stale"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.StatusCode)
	require.Zero(t, fb.refreshes.Load())
}

func TestRevokeHeaders(t *testing.T) {
	fb, srv := newFakeBackend(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Revoke(context.Background(), &session.Authentication{Token: "tok", RefreshToken: "rt"}))
	hdr := fb.logoutHdr.Load().(http.Header)
	require.Equal(t, "Bearer tok", hdr.Get("Authorization"))
	require.Equal(t, "pk_test_123", hdr.Get("x-project-key"))

	require.NoError(t, c.Revoke(context.Background(), &session.Authentication{Token: "id", ThirdPartyProvider: "firebase"}))
}

func TestThirdPartyHeaders(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://backend", PublishableKey: "pk"})
	require.NoError(t, err)
	h := c.authHeaders(&session.Authentication{Token: "id", ThirdPartyProvider: "firebase", ThirdPartyTokenType: "idToken"})
	require.Equal(t, "Bearer pk", h.Get("Authorization"))
	require.Equal(t, "id", h.Get("x-player-token"))
	require.Equal(t, "firebase", h.Get("x-auth-provider"))
	require.Equal(t, "idToken", h.Get("x-token-type"))

	_, err = NewClient(Config{})
	require.Error(t, err)
}
