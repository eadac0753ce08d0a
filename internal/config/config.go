// Package config 加载 bridge-host 的配置文件并支持热更新。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config 是 bridge-host 的全部配置。
type Config struct {
	Log      LogConfig      `yaml:"log" toml:"log"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	Bridge   BridgeConfig   `yaml:"bridge" toml:"bridge"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Signer   SignerConfig   `yaml:"signer" toml:"signer"`
	Backend  BackendConfig  `yaml:"backend" toml:"backend"`
	AuthSync AuthSyncConfig `yaml:"authsync" toml:"authsync"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// BridgeConfig 控制握手与调用超时，两者都可热更新。
type BridgeConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	// LegacyFormat 为 true 时出站消息使用旧版 penpal 结构。
	LegacyFormat bool `yaml:"legacy_format" toml:"legacy_format"`
}

// RelayConfig 选择中继传输。Transport 为 grpc 时使用 Endpoint，为 websocket 时使用 URL。
type RelayConfig struct {
	Transport string  `yaml:"transport" toml:"transport"`
	Endpoint  string  `yaml:"endpoint" toml:"endpoint"`
	URL       string  `yaml:"url" toml:"url"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
}

// SessionConfig 选择会话存储后端：memory、file 或 sqlite。
type SessionConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	Path       string `yaml:"path" toml:"path"`
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
}

type SignerConfig struct {
	PublishableKey      string `yaml:"publishable_key" toml:"publishable_key"`
	OpenfortURL         string `yaml:"openfort_url" toml:"openfort_url"`
	ShieldAPIKey        string `yaml:"shield_api_key" toml:"shield_api_key"`
	ShieldURL           string `yaml:"shield_url" toml:"shield_url"`
	EncryptionKey       string `yaml:"encryption_key" toml:"encryption_key"`
	AppNativeIdentifier string `yaml:"app_native_identifier" toml:"app_native_identifier"`
}

type BackendConfig struct {
	BaseURL      string        `yaml:"base_url" toml:"base_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" toml:"jwks_cache_ttl"`
	RefreshSkew  time.Duration `yaml:"refresh_skew" toml:"refresh_skew"`
}

type AuthSyncConfig struct {
	Workers   int     `yaml:"workers" toml:"workers"`
	QueueSize int     `yaml:"queue_size" toml:"queue_size"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{Addr: ":8080", ReadTimeout: 10 * time.Second, ShutdownTimeout: 5 * time.Second},
		Bridge: BridgeConfig{
			HandshakeTimeout: 5 * time.Second,
			CallTimeout:      30 * time.Second,
			LegacyFormat:     true,
		},
		Relay:    RelayConfig{Transport: "grpc", Endpoint: "unix:///run/bridge/relay.sock", RateBurst: 1},
		Session:  SessionConfig{Driver: "memory"},
		Signer:   SignerConfig{OpenfortURL: "https://api.openfort.io", ShieldURL: "https://shield.openfort.io"},
		Backend:  BackendConfig{BaseURL: "https://api.openfort.io", JWKSCacheTTL: 5 * time.Minute, RefreshSkew: 30 * time.Second},
		AuthSync: AuthSyncConfig{Workers: 2, QueueSize: 256},
	}
}

// Load 读取 path 并叠加 BRIDGE_* 环境变量。path 为空或文件不存在时使用默认值。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg.normalize(), nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides 用 BRIDGE_* 环境变量覆盖配置。
func (c *Config) ApplyEnvOverrides() {
	setString(&c.Log.Level, "BRIDGE_LOG_LEVEL")
	setString(&c.Log.Format, "BRIDGE_LOG_FORMAT")
	setString(&c.HTTP.Addr, "BRIDGE_HTTP_ADDR")
	setDuration(&c.Bridge.HandshakeTimeout, "BRIDGE_HANDSHAKE_TIMEOUT")
	setDuration(&c.Bridge.CallTimeout, "BRIDGE_CALL_TIMEOUT")
	if v, err := strconv.ParseBool(os.Getenv("BRIDGE_LEGACY_FORMAT")); err == nil {
		c.Bridge.LegacyFormat = v
	}
	setString(&c.Relay.Transport, "BRIDGE_RELAY_TRANSPORT")
	setString(&c.Relay.Endpoint, "BRIDGE_RELAY_ENDPOINT")
	setString(&c.Relay.URL, "BRIDGE_RELAY_URL")
	setFloat(&c.Relay.RateLimit, "BRIDGE_RELAY_RATE")
	setString(&c.Session.Driver, "BRIDGE_SESSION_DRIVER")
	setString(&c.Session.Path, "BRIDGE_SESSION_PATH")
	setString(&c.Session.Passphrase, "BRIDGE_SESSION_PASSPHRASE")
	setString(&c.Signer.PublishableKey, "BRIDGE_PUBLISHABLE_KEY")
	setString(&c.Signer.OpenfortURL, "BRIDGE_OPENFORT_URL")
	setString(&c.Signer.ShieldAPIKey, "BRIDGE_SHIELD_API_KEY")
	setString(&c.Signer.ShieldURL, "BRIDGE_SHIELD_URL")
	setString(&c.Signer.EncryptionKey, "BRIDGE_ENCRYPTION_KEY")
	setString(&c.Signer.AppNativeIdentifier, "BRIDGE_APP_NATIVE_IDENTIFIER")
	setString(&c.Backend.BaseURL, "BRIDGE_BACKEND_URL")
	setFloat(&c.AuthSync.RateLimit, "BRIDGE_AUTHSYNC_RATE")
}

// normalize 把非法值替换为默认值。
func (c Config) normalize() Config {
	def := DefaultConfig()
	if _, err := ParseLevel(c.Log.Level); err != nil {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format != "json" {
		c.Log.Format = "text"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}
	if c.Bridge.HandshakeTimeout <= 0 {
		c.Bridge.HandshakeTimeout = def.Bridge.HandshakeTimeout
	}
	if c.Bridge.CallTimeout <= 0 {
		c.Bridge.CallTimeout = def.Bridge.CallTimeout
	}
	switch c.Relay.Transport {
	case "grpc", "websocket":
	default:
		c.Relay.Transport = def.Relay.Transport
	}
	if c.Relay.RateLimit < 0 {
		c.Relay.RateLimit = 0
	}
	if c.Relay.RateBurst <= 0 {
		c.Relay.RateBurst = def.Relay.RateBurst
	}
	switch c.Session.Driver {
	case "memory", "file", "sqlite":
	default:
		c.Session.Driver = def.Session.Driver
	}
	if c.Backend.JWKSCacheTTL <= 0 {
		c.Backend.JWKSCacheTTL = def.Backend.JWKSCacheTTL
	}
	if c.Backend.RefreshSkew <= 0 {
		c.Backend.RefreshSkew = def.Backend.RefreshSkew
	}
	if c.AuthSync.Workers <= 0 {
		c.AuthSync.Workers = def.AuthSync.Workers
	}
	if c.AuthSync.QueueSize <= 0 {
		c.AuthSync.QueueSize = def.AuthSync.QueueSize
	}
	if c.AuthSync.RateLimit < 0 {
		c.AuthSync.RateLimit = 0
	}
	return c
}

// Validate 检查启动所必需的配置。
func (c Config) Validate() error {
	if c.Signer.PublishableKey == "" {
		return fmt.Errorf("signer.publishable_key is required")
	}
	if c.Relay.Transport == "grpc" && c.Relay.Endpoint == "" {
		return fmt.Errorf("relay.endpoint is required for grpc transport")
	}
	if c.Relay.Transport == "websocket" && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required for websocket transport")
	}
	if c.Session.Driver != "memory" && c.Session.Path == "" {
		return fmt.Errorf("session.path is required for %s driver", c.Session.Driver)
	}
	if c.Session.Driver == "file" && c.Session.Passphrase == "" {
		return fmt.Errorf("session.passphrase is required for file driver")
	}
	return nil
}

// ParseLevel 解析日志级别。
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		*dst = d
	}
}

func setFloat(dst *float64, key string) {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		*dst = v
	}
}
