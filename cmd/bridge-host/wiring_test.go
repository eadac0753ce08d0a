package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/channel"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
	"github.com/aegis-sign/embedded-bridge/internal/config"
	"github.com/aegis-sign/embedded-bridge/internal/gateway/authsync"
	"github.com/aegis-sign/embedded-bridge/internal/session"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"memory", "sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Signer.PublishableKey = "pk_test_abcdef1234567890"
			cfg.Session = config.SessionConfig{Driver: driver, Path: filepath.Join(dir, driver+".db"), Passphrase: "pw"}
			store, closeFn, err := openStore(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = closeFn() })

			scoped, ok := store.(*session.Scoped)
			require.True(t, ok)
			require.Equal(t, "abcdef12.", scoped.Prefix())
			require.NoError(t, store.Save(context.Background(), session.KeyAccount, []byte(`{}`)))
		})
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}, level)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	require.Contains(t, buf.String(), "now visible")
}

func TestRateTrackerUpdatesLiveChannel(t *testing.T) {
	rates := newRateTracker(0, 1)
	factory := rates.wrap(func(context.Context) (channel.Channel, error) {
		return channel.NewRelayChannel(channel.PosterFunc(func(string) error { return nil }))
	})
	ch, err := factory(context.Background())
	require.NoError(t, err)
	require.Same(t, ch, rates.current)

	rates.update(5, 2)
	require.Equal(t, 5.0, rates.limit)
	require.Equal(t, 2, rates.burst)
}

func TestManagerRefDestroy(t *testing.T) {
	var ref managerRef
	ref.destroy()

	m := connection.NewManager(func(context.Context) (channel.Channel, error) {
		return nil, context.Canceled
	})
	t.Cleanup(m.Close)
	ref.set(m)
	ref.destroy()
	require.Equal(t, connection.StateUninitialized, m.State())
}

func TestApplyReload(t *testing.T) {
	level := new(slog.LevelVar)
	d, err := authsync.NewDispatcher(authsync.Config{}, authsync.NewSignerExecutor(noopUpdater{}))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	m := connection.NewManager(func(context.Context) (channel.Channel, error) { return nil, context.Canceled })
	t.Cleanup(m.Close)
	st := &stack{manager: m, rates: newRateTracker(0, 1)}

	old := config.DefaultConfig()
	updated := old
	updated.Log.Level = "debug"
	updated.Relay.RateLimit = 10
	updated.AuthSync.RateLimit = 3
	applyReload(slog.Default(), level, st, d, old, updated)

	require.Equal(t, slog.LevelDebug, level.Level())
	require.Equal(t, 10.0, st.rates.limit)
	require.NoError(t, d.Notify(context.Background(), authsync.Event{PlayerID: "pla_1"}))
	require.ErrorIs(t, d.Notify(context.Background(), authsync.Event{PlayerID: "pla_2"}), authsync.ErrRateLimited)
}

type noopUpdater struct{}

func (noopUpdater) UpdateAuthentication(context.Context, *session.Authentication) error { return nil }

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	configPath, logLevel = "", "shouty"
	t.Cleanup(func() { logLevel = "" })
	_, err := loadConfig()
	require.Error(t, err)

	logLevel = "debug"
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}
