package relay

import (
	"os"
	"strconv"
	"time"
)

// Config 控制中继传输的拨号、保活、健康检查与重连。
type Config struct {
	DialTimeout         time.Duration
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	// ServiceName 是健康检查使用的服务名。
	ServiceName string
	Backoff     BackoffConfig
	// BreakerThreshold 次连续失败后熔断，BreakerCooldown 后进入半开。
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// BackoffConfig 决定断线重连的指数退避参数。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultConfig 返回默认值。
func DefaultConfig() Config {
	return Config{
		DialTimeout:         500 * time.Millisecond,
		KeepaliveTime:       30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		ProbeTimeout:        250 * time.Millisecond,
		ServiceName:         ServiceName,
		Backoff: BackoffConfig{
			Initial: 25 * time.Millisecond,
			Max:     2 * time.Second,
			Jitter:  0.2,
		},
		BreakerThreshold: 3,
		BreakerCooldown:  time.Second,
	}
}

// LoadConfigFromEnv 在默认值之上叠加 BRIDGE_RELAY_* 环境变量。
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if d := readDuration("BRIDGE_RELAY_DIAL_TIMEOUT"); d > 0 {
		cfg.DialTimeout = d
	}
	if d := readDuration("BRIDGE_RELAY_KEEPALIVE_TIME"); d > 0 {
		cfg.KeepaliveTime = d
	}
	if d := readDuration("BRIDGE_RELAY_KEEPALIVE_TIMEOUT"); d > 0 {
		cfg.KeepaliveTimeout = d
	}
	if d := readDuration("BRIDGE_RELAY_HEALTH_INTERVAL"); d > 0 {
		cfg.HealthCheckInterval = d
	}
	if d := readDuration("BRIDGE_RELAY_PROBE_TIMEOUT"); d > 0 {
		cfg.ProbeTimeout = d
	}
	if d := readDuration("BRIDGE_RELAY_RETRY_INITIAL"); d > 0 {
		cfg.Backoff.Initial = d
	}
	if d := readDuration("BRIDGE_RELAY_RETRY_MAX"); d > 0 {
		cfg.Backoff.Max = d
	}
	if j := readFloat("BRIDGE_RELAY_RETRY_JITTER"); j >= 0 {
		cfg.Backoff.Jitter = j
	}
	if n := readInt("BRIDGE_RELAY_BREAKER_THRESHOLD"); n > 0 {
		cfg.BreakerThreshold = n
	}
	if d := readDuration("BRIDGE_RELAY_BREAKER_COOLDOWN"); d > 0 {
		cfg.BreakerCooldown = d
	}
	if service := os.Getenv("BRIDGE_RELAY_SERVICE"); service != "" {
		cfg.ServiceName = service
	}
	return cfg.normalize()
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = def.Backoff.Initial
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = c.Backoff.Initial
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = def.Backoff.Jitter
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
	return c
}

func readInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
