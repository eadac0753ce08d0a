// Package signerapi 以 HTTP/JSON 暴露签名器生命周期。
package signerapi

import (
	"context"

	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
)

// Backend 定义业务层接口，*signer.Signer 实现了它。
type Backend interface {
	Create(ctx context.Context, p signer.CreateParams) (*session.Account, error)
	Recover(ctx context.Context, accountID string, entropy *signer.Entropy) (*session.Account, error)
	Sign(ctx context.Context, p signer.SignParams) (string, error)
	SwitchChain(ctx context.Context, chainID int64) (*session.Account, error)
	Export(ctx context.Context) (string, error)
	SetRecoveryMethod(ctx context.Context, method session.RecoveryMethod, entropy *signer.Entropy) error
	UpdateAuthentication(ctx context.Context, auth *session.Authentication) error
	Logout(ctx context.Context) error
	GetCurrentDevice(ctx context.Context, playerID string) (*session.Account, error)
}

var _ Backend = (*signer.Signer)(nil)
