package authsync

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue    int
	Workers     int
	MaxAttempts int
	RateLimit   float64
	RateBurst   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CallTimeout 限制单次推送的耗时。
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// DefaultConfig 返回默认值。
func DefaultConfig() Config {
	return Config{
		MaxQueue:    256,
		Workers:     2,
		MaxAttempts: 3,
		RateBurst:   1,
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  time.Second,
		CallTimeout: 10 * time.Second,
	}
}

// LoadConfigFromEnv 在默认值之上叠加 BRIDGE_AUTHSYNC_* 环境变量。
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, err := strconv.Atoi(os.Getenv("BRIDGE_AUTHSYNC_QUEUE")); err == nil && v > 0 {
		cfg.MaxQueue = v
	}
	if v, err := strconv.Atoi(os.Getenv("BRIDGE_AUTHSYNC_WORKERS")); err == nil && v > 0 {
		cfg.Workers = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("BRIDGE_AUTHSYNC_RATE"), 64); err == nil && v >= 0 {
		cfg.RateLimit = v
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_AUTHSYNC_CALL_TIMEOUT")); err == nil && d > 0 {
		cfg.CallTimeout = d
	}
	return cfg
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxQueue <= 0 {
		c.MaxQueue = def.MaxQueue
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
