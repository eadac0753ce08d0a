package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	signerapi "github.com/aegis-sign/embedded-bridge/internal/api"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/config"
	"github.com/aegis-sign/embedded-bridge/internal/gateway/authsync"
	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/aegis-sign/embedded-bridge/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP facade over the embedded signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	logger := newLogger(os.Stdout, cfg.Log, level)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 刷新回调在 dispatcher 构造前注册，通过闭包延迟取值。
	var dispatcher *authsync.Dispatcher
	onRefresh := func(ctx context.Context, auth *session.Authentication) {
		if dispatcher == nil {
			return
		}
		if err := dispatcher.Notify(ctx, authsync.Event{Auth: auth, Reason: "refresh"}); err != nil {
			logger.Warn("authentication push not queued", "player", auth.Player, "err", err)
		}
	}

	st, err := buildStack(ctx, cfg, logger, reg, signer.WithAuthRefreshHook(onRefresh))
	if err != nil {
		logger.Error("failed to build bridge stack", "err", err)
		return err
	}
	defer st.Close()

	syncCfg := authsync.LoadConfigFromEnv()
	syncCfg.Workers = cfg.AuthSync.Workers
	syncCfg.MaxQueue = cfg.AuthSync.QueueSize
	syncCfg.RateLimit = cfg.AuthSync.RateLimit
	syncCfg.Logger = logger
	syncCfg.Metrics = authsync.NewMetrics(reg)
	dispatcher, err = authsync.NewDispatcher(syncCfg, authsync.NewSignerExecutor(st.signer))
	if err != nil {
		logger.Error("failed to start authsync dispatcher", "err", err)
		return err
	}
	defer dispatcher.Close()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		watcher.OnChange(func(old, updated config.Config) {
			applyReload(logger, level, st, dispatcher, old, updated)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	mux := http.NewServeMux()
	signerapi.NewHTTPHandler(st.signer, signerapi.WithLogger(logger), signerapi.WithHealthCheck(st.healthy)).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/authsync", dispatcher.DebugHandler())
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server closed unexpectedly", "err", err)
		return err
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	return nil
}

// applyReload 只应用可热更新的设置，其余变化需要重启。
func applyReload(logger *slog.Logger, level *slog.LevelVar, st *stack, dispatcher *authsync.Dispatcher, old, updated config.Config) {
	if updated.Log.Level != old.Log.Level {
		if parsed, err := config.ParseLevel(updated.Log.Level); err == nil {
			level.Set(parsed)
		}
	}
	if updated.Bridge.CallTimeout != old.Bridge.CallTimeout || updated.Bridge.HandshakeTimeout != old.Bridge.HandshakeTimeout {
		st.manager.UpdateConfig(connection.Config{
			HandshakeTimeout: updated.Bridge.HandshakeTimeout,
			CallTimeout:      updated.Bridge.CallTimeout,
		})
	}
	if updated.Relay.RateLimit != old.Relay.RateLimit || updated.Relay.RateBurst != old.Relay.RateBurst {
		st.rates.update(updated.Relay.RateLimit, updated.Relay.RateBurst)
	}
	if updated.AuthSync.RateLimit != old.AuthSync.RateLimit {
		dispatcher.UpdateRateLimit(updated.AuthSync.RateLimit)
	}
	logger.Info("hot reloadable settings applied",
		"logLevel", updated.Log.Level,
		"callTimeout", updated.Bridge.CallTimeout,
		"handshakeTimeout", updated.Bridge.HandshakeTimeout,
		"relayRate", updated.Relay.RateLimit,
		"authsyncRate", updated.AuthSync.RateLimit,
	)
}
