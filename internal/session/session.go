package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Account 是嵌入上下文返回的账户绑定。
type Account struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	OwnerAddress string `json:"ownerAddress,omitempty"`
	AccountType  string `json:"accountType"`
	ChainType    string `json:"chainType,omitempty"`
}

// Authentication 是玩家的登录凭据。
type Authentication struct {
	Token               string `json:"token"`
	RefreshToken        string `json:"refreshToken,omitempty"`
	Player              string `json:"player"`
	ThirdPartyProvider  string `json:"thirdPartyProvider,omitempty"`
	ThirdPartyTokenType string `json:"thirdPartyTokenType,omitempty"`
}

// IsThirdParty 报告凭据是否来自第三方认证。
func (a *Authentication) IsThirdParty() bool { return a != nil && a.ThirdPartyProvider != "" }

// RecoveryMethod 是恢复签名能力所需熵的来源。
type RecoveryMethod string

const (
	RecoveryPassword  RecoveryMethod = "password"
	RecoveryAutomatic RecoveryMethod = "automatic"
	RecoveryPasskey   RecoveryMethod = "passkey"
)

// Recovery 记录恢复方式与对应的熵材料。
type Recovery struct {
	Method RecoveryMethod `json:"method"`
	// Password / EncryptionSession / PasskeyID 至多一个非空。
	Password          string `json:"password,omitempty"`
	EncryptionSession string `json:"encryptionSession,omitempty"`
	PasskeyID         string `json:"passkeyId,omitempty"`
	PasskeyKey        string `json:"passkeyKey,omitempty"`
}

// Repository 在 Store 之上提供类型化的会话读写。
type Repository struct {
	store Store
}

// NewRepository 包装存储后端。
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store 返回底层存储。
func (r *Repository) Store() Store { return r.store }

// Account 读取账户，不存在时返回 nil, nil。
func (r *Repository) Account(ctx context.Context) (*Account, error) {
	var a Account
	ok, err := r.load(ctx, KeyAccount, &a)
	if !ok {
		return nil, err
	}
	return &a, nil
}

// SaveAccount 保存账户。
func (r *Repository) SaveAccount(ctx context.Context, a *Account) error {
	return r.save(ctx, KeyAccount, a)
}

// RemoveAccount 删除账户。
func (r *Repository) RemoveAccount(ctx context.Context) error {
	return r.store.Remove(ctx, KeyAccount)
}

// Authentication 读取凭据，不存在时返回 nil, nil。
func (r *Repository) Authentication(ctx context.Context) (*Authentication, error) {
	var a Authentication
	ok, err := r.load(ctx, KeyAuthentication, &a)
	if !ok {
		return nil, err
	}
	return &a, nil
}

// SaveAuthentication 保存凭据。
func (r *Repository) SaveAuthentication(ctx context.Context, a *Authentication) error {
	return r.save(ctx, KeyAuthentication, a)
}

// Recovery 读取恢复配置，不存在时返回 nil, nil。
func (r *Repository) Recovery(ctx context.Context) (*Recovery, error) {
	var rec Recovery
	ok, err := r.load(ctx, KeyRecovery, &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

// SaveRecovery 保存恢复配置。
func (r *Repository) SaveRecovery(ctx context.Context, rec *Recovery) error {
	return r.save(ctx, KeyRecovery, rec)
}

// Clear 删除账户、凭据、恢复配置与会话。每个键都会尝试删除，错误合并返回。
func (r *Repository) Clear(ctx context.Context) error {
	var errs []error
	for _, key := range Keys {
		if err := r.store.Remove(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Repository) load(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.store.Save(ctx, key, raw)
}
