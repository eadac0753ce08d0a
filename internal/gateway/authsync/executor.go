package authsync

import (
	"context"

	"github.com/aegis-sign/embedded-bridge/internal/session"
)

// AuthUpdater 把凭据推送给嵌入上下文，signer.Signer 实现了它。
type AuthUpdater interface {
	UpdateAuthentication(ctx context.Context, auth *session.Authentication) error
}

// SignerExecutor 通过 AuthUpdater 执行推送。
type SignerExecutor struct {
	updater AuthUpdater
}

// NewSignerExecutor 构造执行器。
func NewSignerExecutor(updater AuthUpdater) SignerExecutor {
	return SignerExecutor{updater: updater}
}

// Execute 推送事件携带的凭据，Auth 为空时推送已保存的凭据。
func (e SignerExecutor) Execute(ctx context.Context, payload JobPayload) error {
	return e.updater.UpdateAuthentication(ctx, payload.Event.Auth)
}
