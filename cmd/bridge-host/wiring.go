package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/channel"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/config"
	"github.com/aegis-sign/embedded-bridge/internal/infra/backendapi"
	"github.com/aegis-sign/embedded-bridge/internal/infra/relay"
	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
)

// loadConfig 读取配置文件并应用 --log-level。
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		if _, err := config.ParseLevel(logLevel); err != nil {
			return config.Config{}, fmt.Errorf("invalid --log-level: %w", err)
		}
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger 按配置构造 logger，级别由 level 控制以便热更新。
func newLogger(w io.Writer, cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	if parsed, err := config.ParseLevel(cfg.Level); err == nil {
		level.Set(parsed)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore 按驱动打开会话存储，并以可发布密钥划分作用域。
func openStore(cfg config.Config) (session.Store, func() error, error) {
	noop := func() error { return nil }
	var inner session.Store
	closer := noop
	switch cfg.Session.Driver {
	case "file":
		fs, err := session.OpenFileStore(cfg.Session.Path, cfg.Session.Passphrase, session.DefaultScryptParams())
		if err != nil {
			return nil, noop, fmt.Errorf("open file session store: %w", err)
		}
		inner = fs
	case "sqlite":
		db, err := session.OpenSQLite(cfg.Session.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite session store: %w", err)
		}
		inner = db
		closer = db.Close
	default:
		inner = session.NewMemoryStore()
	}
	return session.NewScoped(inner, cfg.Signer.PublishableKey), closer, nil
}

// transport 是 cmd 使用的中继投递端。
type transport interface {
	relay.Transport
	Close() error
}

// dialRelay 按配置建立 gRPC 或 websocket 中继。
func dialRelay(ctx context.Context, cfg config.Config, opts ...relay.Option) (transport, error) {
	if cfg.Relay.Transport == "websocket" {
		header := http.Header{}
		header.Set("X-Relay-Client", "bridge-host/"+version)
		return relay.DialWebsocket(ctx, cfg.Relay.URL, header, nil, opts...)
	}
	return relay.Dial(ctx, cfg.Relay.Endpoint, nil, opts...)
}

// rateTracker 包装通道工厂，记录最近创建的 RelayChannel 以便热更新入站限速。
type rateTracker struct {
	mu      sync.Mutex
	limit   float64
	burst   int
	current *channel.RelayChannel
}

func newRateTracker(limit float64, burst int) *rateTracker {
	return &rateTracker{limit: limit, burst: burst}
}

func (r *rateTracker) wrap(factory connection.ChannelFactory) connection.ChannelFactory {
	return func(ctx context.Context) (channel.Channel, error) {
		ch, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if rc, ok := ch.(*channel.RelayChannel); ok {
			r.mu.Lock()
			r.current = rc
			rc.UpdateRateLimit(r.limit, r.burst)
			r.mu.Unlock()
		}
		return ch, nil
	}
}

func (r *rateTracker) update(limit float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit, r.burst = limit, burst
	if r.current != nil {
		r.current.UpdateRateLimit(limit, burst)
	}
}

// managerRef 让中继在 manager 构造之前就能注册重置回调。
type managerRef struct {
	p atomic.Pointer[connection.Manager]
}

func (r *managerRef) set(m *connection.Manager) { r.p.Store(m) }

func (r *managerRef) destroy() {
	if m := r.p.Load(); m != nil {
		m.Destroy()
	}
}

// stack 是 serve 与 probe 共用的组件集合。
type stack struct {
	cfg       config.Config
	transport transport
	rates     *rateTracker
	manager   *connection.Manager
	repo      *session.Repository
	backend   *backendapi.Client
	signer    *signer.Signer
	closers   []func() error
}

func (s *stack) Close() {
	if s.manager != nil {
		s.manager.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildStack 组装会话存储、后端客户端、中继、连接管理器与签名器。
func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, signerOpts ...signer.Option) (*stack, error) {
	st := &stack{cfg: cfg}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, closeStore)
	st.repo = session.NewRepository(store)

	st.backend, err = backendapi.NewClient(backendapi.Config{
		BaseURL:        cfg.Backend.BaseURL,
		PublishableKey: cfg.Signer.PublishableKey,
		JWKSCacheTTL:   cfg.Backend.JWKSCacheTTL,
		RefreshSkew:    cfg.Backend.RefreshSkew,
		Logger:         logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	var ref managerRef
	relayCfg := relay.LoadConfigFromEnv()
	st.transport, err = dialRelay(ctx, cfg,
		relay.WithConfig(relayCfg),
		relay.WithLogger(logger),
		relay.WithRegisterer(reg),
		relay.WithResetHook(ref.destroy),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, st.transport.Close)

	chOpts := []channel.Option{
		channel.WithLogger(logger),
		channel.WithLegacyFormat(cfg.Bridge.LegacyFormat),
	}
	if reg != nil {
		chOpts = append(chOpts, channel.WithMetrics(channel.NewMetrics(reg)))
	}
	st.rates = newRateTracker(cfg.Relay.RateLimit, cfg.Relay.RateBurst)
	st.manager = connection.NewManager(st.rates.wrap(relay.ChannelFactory(st.transport, chOpts...)),
		connection.WithLogger(logger),
		connection.WithRegisterer(reg),
		connection.WithConfig(connection.Config{
			HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
			CallTimeout:      cfg.Bridge.CallTimeout,
		}),
	)
	ref.set(st.manager)

	opts := append([]signer.Option{
		signer.WithLogger(logger),
		signer.WithAuthValidator(st.backend),
		signer.WithSessionRevoker(st.backend),
	}, signerOpts...)
	st.signer = signer.New(st.manager, st.repo, signer.Config{
		PublishableKey:      cfg.Signer.PublishableKey,
		OpenfortURL:         cfg.Signer.OpenfortURL,
		ShieldAPIKey:        cfg.Signer.ShieldAPIKey,
		ShieldURL:           cfg.Signer.ShieldURL,
		EncryptionKey:       cfg.Signer.EncryptionKey,
		AppNativeIdentifier: cfg.Signer.AppNativeIdentifier,
	}, opts...)
	return st, nil
}

// healthy 报告中继是否可用，gRPC 中继在熔断打开时视为不可用。
func (s *stack) healthy(context.Context) error {
	if p, ok := s.transport.(*relay.GRPCPoster); ok && p.BreakerState() == relay.BreakerOpen {
		return relay.ErrRelayUnavailable
	}
	return nil
}
