package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signerrpc"
)

// Connector 提供到嵌入上下文的就绪连接，connection.Manager 实现了它。
type Connector interface {
	EnsureConnection(ctx context.Context) (*connection.Remote, error)
	// Destroy 拆除当前连接，下一次 EnsureConnection 重新握手。
	Destroy()
}

var _ Connector = (*connection.Manager)(nil)

// AuthValidator 在高权限操作前校验凭据，必要时返回刷新后的凭据。
type AuthValidator interface {
	Validate(ctx context.Context, auth *session.Authentication) (*session.Authentication, error)
}

// SessionRevoker 在登出时注销后端会话，backendapi.Client 实现了它。
type SessionRevoker interface {
	Revoke(ctx context.Context, auth *session.Authentication) error
}

// Entropy 是用户持有的秘密材料。
type Entropy = signerrpc.Entropy

// Passkey 是通行密钥派生的熵。
type Passkey = signerrpc.Passkey

// Config 是随请求下发的静态配置。
type Config struct {
	PublishableKey      string
	OpenfortURL         string
	ShieldAPIKey        string
	ShieldURL           string
	EncryptionKey       string
	AppNativeIdentifier string
}

// Option 自定义 Signer。
type Option func(*Signer)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Signer) { s.logger = l }
}

// WithAuthValidator 设置导出前的凭据校验器。
func WithAuthValidator(v AuthValidator) Option {
	return func(s *Signer) { s.validator = v }
}

// WithAuthRefreshHook 在凭据被刷新并持久化后调用，通常把新令牌推给嵌入上下文。
func WithAuthRefreshHook(fn func(ctx context.Context, auth *session.Authentication)) Option {
	return func(s *Signer) { s.onRefresh = fn }
}

// WithSessionRevoker 设置登出时的后端会话注销。
func WithSessionRevoker(r SessionRevoker) Option {
	return func(s *Signer) { s.revoker = r }
}

// WithCallOptions 作用于每一次远端调用。
func WithCallOptions(opts ...correlator.CallOption) Option {
	return func(s *Signer) { s.callOpts = append(s.callOpts, opts...) }
}

// Signer 在连接之上实现签名器生命周期，并维护本地的账户与凭据快照。
type Signer struct {
	conn      Connector
	repo      *session.Repository
	cfg       Config
	logger    *slog.Logger
	validator AuthValidator
	onRefresh func(ctx context.Context, auth *session.Authentication)
	revoker   SessionRevoker
	callOpts  []correlator.CallOption
}

// New 创建 Signer。
func New(conn Connector, repo *session.Repository, cfg Config, opts ...Option) *Signer {
	s := &Signer{conn: conn, repo: repo, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateParams 是 Create 的参数。
type CreateParams struct {
	AccountType string
	ChainType   string
	ChainID     *int64
	Entropy     *Entropy
}

// SignParams 是 Sign 的参数。
type SignParams struct {
	Message         string
	RequireArrayify bool
	RequireHash     bool
}

// Create 在嵌入上下文中创建账户并持久化。
func (s *Signer) Create(ctx context.Context, p CreateParams) (*session.Account, error) {
	if err := validateEntropy(p.Entropy); err != nil {
		return nil, err
	}
	chainType := p.ChainType
	if chainType == "" {
		chainType = signerrpc.ChainTypeEVM
	}
	var account *session.Account
	err := s.run(ctx, false, func(st *callState) error {
		resp, err := st.client.Create(ctx, &signerrpc.CreateRequest{
			AccountType:          p.AccountType,
			ChainType:            chainType,
			ChainID:              p.ChainID,
			Entropy:              p.Entropy,
			RequestConfiguration: st.reqCfg,
		})
		if err != nil {
			return err
		}
		account = accountFromResponse(resp)
		return s.persistAccount(ctx, account, p.Entropy)
	})
	return account, err
}

// Recover 用持有的熵恢复已有账户并持久化。
func (s *Signer) Recover(ctx context.Context, accountID string, entropy *Entropy) (*session.Account, error) {
	if err := validateEntropy(entropy); err != nil {
		return nil, err
	}
	var account *session.Account
	err := s.run(ctx, false, func(st *callState) error {
		var err error
		account, err = s.recover(ctx, st, accountID, entropy)
		return err
	})
	return account, err
}

func (s *Signer) recover(ctx context.Context, st *callState, accountID string, entropy *Entropy) (*session.Account, error) {
	resp, err := st.client.Recover(ctx, &signerrpc.RecoverRequest{
		Account:              accountID,
		Entropy:              entropy,
		RequestConfiguration: st.reqCfg,
	})
	if err != nil {
		return nil, err
	}
	account := accountFromResponse(resp)
	return account, s.persistAccount(ctx, account, entropy)
}

// Sign 请求签名，不修改本地状态。
func (s *Signer) Sign(ctx context.Context, p SignParams) (string, error) {
	var signature string
	err := s.run(ctx, true, func(st *callState) error {
		resp, err := st.client.Sign(ctx, &signerrpc.SignRequest{
			Message:              p.Message,
			RequireArrayify:      p.RequireArrayify,
			RequireHash:          p.RequireHash,
			ChainType:            signerrpc.ChainTypeEVM,
			RequestConfiguration: st.reqCfg,
		})
		if err != nil {
			return err
		}
		signature = resp.Signature
		return nil
	})
	return signature, err
}

// SwitchChain 把账户切换到新链。外部拥有账户只改 chainId，智能账户以应答为准。
func (s *Signer) SwitchChain(ctx context.Context, chainID int64) (*session.Account, error) {
	var account *session.Account
	err := s.run(ctx, true, func(st *callState) error {
		resp, err := st.client.SwitchChain(ctx, &signerrpc.SwitchChainRequest{ChainID: chainID, RequestConfiguration: st.reqCfg})
		if err != nil {
			return err
		}
		if st.account != nil && st.account.AccountType == signerrpc.AccountTypeEOA {
			updated := *st.account
			updated.ChainID = chainID
			account = &updated
		} else {
			account = accountFromResponse(resp)
		}
		return s.repo.SaveAccount(ctx, account)
	})
	return account, err
}

// Export 导出私钥。调用前重新校验凭据。
func (s *Signer) Export(ctx context.Context) (string, error) {
	if err := s.revalidate(ctx); err != nil {
		return "", err
	}
	var key string
	err := s.run(ctx, true, func(st *callState) error {
		resp, err := st.client.Export(ctx, &signerrpc.ExportRequest{RequestConfiguration: st.reqCfg})
		if err != nil {
			return err
		}
		key = resp.Key
		return nil
	})
	return key, err
}

// SetRecoveryMethod 修改此后 recover 所需的熵。
func (s *Signer) SetRecoveryMethod(ctx context.Context, method session.RecoveryMethod, entropy *Entropy) error {
	if err := validateEntropy(entropy); err != nil {
		return err
	}
	return s.run(ctx, true, func(st *callState) error {
		req := &signerrpc.SetRecoveryMethodRequest{RecoveryMethod: string(method), RequestConfiguration: st.reqCfg}
		if entropy != nil {
			req.RecoveryPassword = entropy.RecoveryPassword
			req.EncryptionSession = entropy.EncryptionSession
			req.Passkey = entropy.Passkey
		}
		if err := st.client.SetRecoveryMethod(ctx, req); err != nil {
			return err
		}
		rec := recoveryFromEntropy(entropy)
		if rec == nil {
			rec = &session.Recovery{}
		}
		rec.Method = method
		return s.repo.SaveRecovery(ctx, rec)
	})
}

// UpdateAuthentication 持久化 auth（为空时沿用已保存的凭据）并推送给嵌入上下文。
func (s *Signer) UpdateAuthentication(ctx context.Context, auth *session.Authentication) error {
	if auth != nil {
		if err := s.repo.SaveAuthentication(ctx, auth); err != nil {
			return err
		}
	}
	return s.run(ctx, true, func(st *callState) error {
		return st.client.UpdateAuthentication(ctx, &signerrpc.UpdateAuthenticationRequest{
			AccessToken: st.auth.Token,
			Recovery:    st.reqCfg.ShieldAuthentication,
		})
	})
}

// Logout 远端登出后无条件清除本地会话。远端、注销与清理的失败都会返回。
func (s *Signer) Logout(ctx context.Context) error {
	var remoteErr, revokeErr error
	auth, err := s.repo.Authentication(ctx)
	switch {
	case err != nil:
		remoteErr = err
	case auth == nil:
		s.logger.Debug("logout without authentication, clearing local session only")
	default:
		remoteErr = s.run(ctx, false, func(st *callState) error {
			return st.client.Logout(ctx, &signerrpc.LogoutRequest{RequestConfiguration: st.reqCfg})
		})
		if s.revoker != nil {
			revokeErr = s.revoker.Revoke(ctx, auth)
		}
	}
	cleanupErr := s.repo.Clear(ctx)
	if remoteErr != nil {
		s.logger.Warn("remote logout failed, local session cleared", "err", remoteErr)
		remoteErr = fmt.Errorf("remote logout: %w", remoteErr)
	}
	if cleanupErr != nil {
		cleanupErr = fmt.Errorf("clear local session: %w", cleanupErr)
	}
	return errors.Join(remoteErr, revokeErr, cleanupErr)
}

// GetCurrentDevice 查询玩家的签名器。未配置返回 nil, nil。
func (s *Signer) GetCurrentDevice(ctx context.Context, playerID string) (*session.Account, error) {
	var account *session.Account
	err := s.run(ctx, false, func(st *callState) error {
		resp, err := st.client.GetCurrentDevice(ctx, &signerrpc.GetCurrentDeviceRequest{PlayerID: playerID, RequestConfiguration: st.reqCfg})
		if err != nil {
			return err
		}
		if resp.Account != nil {
			account = accountFromResponse(resp.Account)
		}
		return nil
	})
	if errors.Is(err, ErrNotConfigured) {
		return nil, nil
	}
	return account, err
}

type callState struct {
	client   *signerrpc.Client
	auth     *session.Authentication
	recovery *session.Recovery
	account  *session.Account
	reqCfg   *signerrpc.RequestConfiguration
}

func (s *Signer) prepare(ctx context.Context) (*callState, error) {
	auth, err := s.repo.Authentication(ctx)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, ErrNotAuthenticated
	}
	recovery, err := s.repo.Recovery(ctx)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.Account(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := s.conn.EnsureConnection(ctx)
	if err != nil {
		return nil, err
	}
	return &callState{
		client:   signerrpc.NewClient(remote, s.callOpts...),
		auth:     auth,
		recovery: recovery,
		account:  account,
		reqCfg:   s.requestConfiguration(auth, recovery),
	}, nil
}

// run 执行一次远端操作。retry 为 true 且远端报告未配置时，若调用前存在账户快照，
// 先用快照与已保存的熵恢复，再重试一次。
func (s *Signer) run(ctx context.Context, retry bool, fn func(*callState) error) error {
	st, err := s.prepare(ctx)
	if err != nil {
		return err
	}
	err = s.classify(ctx, fn(st))
	if err == nil || !retry || st.account == nil || !errors.Is(err, ErrNotConfigured) {
		return err
	}
	s.logger.Info("signer not configured, recovering persisted account", "account", st.account.ID)
	if _, rerr := s.recover(ctx, st, st.account.ID, entropyFromRecovery(st.recovery)); rerr != nil {
		return s.classify(ctx, rerr)
	}
	st, err = s.prepare(ctx)
	if err != nil {
		return err
	}
	return s.classify(ctx, fn(st))
}

// classify 转换领域错误；任何远端错误都会使本地缓存的账户失效。
// 无法识别的应答结构对当前连接是致命的，连接随之拆除。
func (s *Signer) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, signerrpc.ErrInvalidResponse) {
		s.logger.Warn("signer protocol error, destroying connection", "err", err)
		s.conn.Destroy()
		return err
	}
	if signerrpc.IsRemote(err) {
		if rerr := s.repo.RemoveAccount(ctx); rerr != nil {
			s.logger.Warn("evict cached account failed", "err", rerr)
		}
	}
	return translate(err)
}

func (s *Signer) revalidate(ctx context.Context) error {
	if s.validator == nil {
		return nil
	}
	auth, err := s.repo.Authentication(ctx)
	if err != nil {
		return err
	}
	if auth == nil {
		return ErrNotAuthenticated
	}
	refreshed, err := s.validator.Validate(ctx, auth)
	if err != nil {
		return fmt.Errorf("validate authentication: %w", err)
	}
	if refreshed == nil || refreshed.Token == auth.Token {
		return nil
	}
	if err := s.repo.SaveAuthentication(ctx, refreshed); err != nil {
		return err
	}
	s.logger.Info("authentication refreshed before export", "player", refreshed.Player)
	if s.onRefresh != nil {
		s.onRefresh(ctx, refreshed)
	}
	return nil
}

func (s *Signer) persistAccount(ctx context.Context, account *session.Account, entropy *Entropy) error {
	if err := s.repo.SaveAccount(ctx, account); err != nil {
		return err
	}
	if rec := recoveryFromEntropy(entropy); rec != nil {
		return s.repo.SaveRecovery(ctx, rec)
	}
	return nil
}

func (s *Signer) requestConfiguration(auth *session.Authentication, recovery *session.Recovery) *signerrpc.RequestConfiguration {
	shield := &signerrpc.ShieldAuthentication{Auth: signerrpc.AuthTypeOpenfort, Token: auth.Token}
	if auth.IsThirdParty() {
		shield.Auth = signerrpc.AuthTypeCustom
		shield.AuthProvider = auth.ThirdPartyProvider
		shield.TokenType = auth.ThirdPartyTokenType
	}
	if recovery != nil {
		shield.EncryptionSession = recovery.EncryptionSession
	}
	return &signerrpc.RequestConfiguration{
		Token:                auth.Token,
		ThirdPartyProvider:   auth.ThirdPartyProvider,
		ThirdPartyTokenType:  auth.ThirdPartyTokenType,
		PublishableKey:       s.cfg.PublishableKey,
		OpenfortURL:          s.cfg.OpenfortURL,
		ShieldAuthentication: shield,
		ShieldAPIKey:         s.cfg.ShieldAPIKey,
		ShieldURL:            s.cfg.ShieldURL,
		EncryptionKey:        s.cfg.EncryptionKey,
		AppNativeIdentifier:  s.cfg.AppNativeIdentifier,
	}
}

func validateEntropy(e *Entropy) error {
	if e == nil {
		return nil
	}
	n := 0
	if e.RecoveryPassword != "" {
		n++
	}
	if e.EncryptionSession != "" {
		n++
	}
	if e.Passkey != nil {
		n++
	}
	if n > 1 {
		return ErrInvalidEntropy
	}
	return nil
}

func recoveryFromEntropy(e *Entropy) *session.Recovery {
	switch {
	case e == nil:
		return nil
	case e.RecoveryPassword != "":
		return &session.Recovery{Method: session.RecoveryPassword, Password: e.RecoveryPassword}
	case e.EncryptionSession != "":
		return &session.Recovery{Method: session.RecoveryAutomatic, EncryptionSession: e.EncryptionSession}
	case e.Passkey != nil:
		return &session.Recovery{Method: session.RecoveryPasskey, PasskeyID: e.Passkey.ID, PasskeyKey: e.Passkey.Key}
	default:
		return nil
	}
}

func entropyFromRecovery(r *session.Recovery) *Entropy {
	if r == nil {
		return nil
	}
	switch r.Method {
	case session.RecoveryPassword:
		if r.Password != "" {
			return &Entropy{RecoveryPassword: r.Password}
		}
	case session.RecoveryAutomatic:
		if r.EncryptionSession != "" {
			return &Entropy{EncryptionSession: r.EncryptionSession}
		}
	case session.RecoveryPasskey:
		if r.PasskeyID != "" {
			return &Entropy{Passkey: &Passkey{ID: r.PasskeyID, Key: r.PasskeyKey}}
		}
	}
	return nil
}

func accountFromResponse(r *signerrpc.AccountResponse) *session.Account {
	return &session.Account{
		ID:           r.ID,
		Address:      r.Address,
		ChainID:      r.ChainID,
		OwnerAddress: r.OwnerAddress,
		AccountType:  r.AccountType,
		ChainType:    r.ChainType,
	}
}
