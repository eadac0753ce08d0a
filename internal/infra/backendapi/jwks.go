package backendapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/golang-jwt/jwt/v5"
)

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

// keySet 缓存 JWKS 中的 P-256 公钥。无 kid 的令牌使用第一把钥匙。
type keySet struct {
	byID     map[string]*ecdsa.PublicKey
	first    *ecdsa.PublicKey
	expireAt time.Time
}

func (k keySet) lookup(kid string) (*ecdsa.PublicKey, error) {
	if kid == "" {
		if k.first == nil {
			return nil, ErrNoSigningKey
		}
		return k.first, nil
	}
	if key, ok := k.byID[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrNoSigningKey, kid)
}

// Validate 校验凭据，临近过期时刷新并返回新凭据；第三方凭据只检查存在。
func (c *Client) Validate(ctx context.Context, auth *session.Authentication) (*session.Authentication, error) {
	if auth == nil || auth.Token == "" {
		return nil, ErrMissingToken
	}
	if auth.IsThirdParty() {
		return auth, nil
	}
	claims, err := c.verify(ctx, auth.Token)
	if err != nil {
		return nil, err
	}
	if exp := claims.ExpiresAt; exp == nil || c.now().Add(c.cfg.RefreshSkew).Before(exp.Time) {
		if auth.Player == "" && claims.Subject != "" {
			validated := *auth
			validated.Player = claims.Subject
			return &validated, nil
		}
		return auth, nil
	}
	c.cfg.Logger.Info("access token near expiry, refreshing", "player", auth.Player)
	return c.Refresh(ctx, auth)
}

// verify 用缓存的 JWKS 检查 ES256 签名，kid 未知时强制刷新一次缓存。
func (c *Client) verify(ctx context.Context, token string) (*jwt.RegisteredClaims, error) {
	keys, err := c.signingKeys(ctx, false)
	if err != nil {
		return nil, err
	}
	claims, err := parseToken(token, keys)
	if errors.Is(err, ErrNoSigningKey) {
		if keys, err = c.signingKeys(ctx, true); err != nil {
			return nil, err
		}
		claims, err = parseToken(token, keys)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

func parseToken(token string, keys keySet) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return keys.lookup(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		// 过期由 Validate 按刷新阈值判断。
		jwt.WithoutClaimsValidation(),
	)
	return claims, err
}

func (c *Client) signingKeys(ctx context.Context, force bool) (keySet, error) {
	c.cacheMu.Lock()
	if !force && c.cache.byID != nil && c.now().Before(c.cache.expireAt) {
		cached := c.cache
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	v, err, _ := c.flights.Do("jwks", func() (any, error) {
		return c.fetchKeys(ctx)
	})
	if err != nil {
		return keySet{}, err
	}
	return v.(keySet), nil
}

func (c *Client) fetchKeys(ctx context.Context) (keySet, error) {
	var resp jwksResponse
	path := "/iam/v1/" + url.PathEscape(c.cfg.PublishableKey) + "/jwks.json"
	if err := c.do(ctx, http.MethodGet, path, c.projectHeaders(), nil, &resp); err != nil {
		return keySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	keys := keySet{byID: make(map[string]*ecdsa.PublicKey, len(resp.Keys))}
	for _, k := range resp.Keys {
		pub, err := k.publicKey()
		if err != nil {
			c.cfg.Logger.Warn("skipping unusable jwk", "kid", k.Kid, "err", err)
			continue
		}
		if keys.first == nil {
			keys.first = pub
		}
		if k.Kid != "" {
			keys.byID[k.Kid] = pub
		}
	}
	if keys.first == nil {
		return keySet{}, ErrNoSigningKey
	}
	keys.expireAt = c.now().Add(c.cfg.JWKSCacheTTL)
	c.cacheMu.Lock()
	c.cache = keys
	c.cacheMu.Unlock()
	return keys, nil
}

func (k jwk) publicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("point is not on curve")
	}
	return pub, nil
}
