package connection

import (
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/handshake"
)

// Config 控制握手与调用的超时。
type Config struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
}

// DefaultConfig 返回默认超时。
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: handshake.DefaultTimeout,
		CallTimeout:      correlator.DefaultTimeout,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	return c
}
