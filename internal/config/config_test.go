package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "ws://ops.koreainvestment.com:21000", cfg.Upstream.URL)
	assert.Equal(t, 10*time.Second, cfg.Upstream.HandshakeTimeout)
	assert.Equal(t, 20*time.Second, cfg.Upstream.PingInterval)
	assert.Equal(t, "P", cfg.Upstream.CustType)
	assert.False(t, cfg.Upstream.EncryptedPayloads)

	assert.Equal(t, "KRW", cfg.Rates.Currency)
	assert.Equal(t, 1430.0, cfg.Rates.Fallback)
	assert.Equal(t, 10*time.Minute, cfg.Rates.RefreshInterval)

	assert.Equal(t, 24*time.Hour, cfg.Auth.KeyTTL)
	assert.Equal(t, 256, cfg.Fanout.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.Fanout.DeliveryTimeout)

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Redis.SnapshotTTL)

	assert.Equal(t, "/var/run/marketgate/ops.sock", cfg.Ops.SocketPath)
	assert.Equal(t, ":9102", cfg.Ops.MetricsAddr)
	assert.Equal(t, time.Minute, cfg.Ops.StaleThreshold)
	assert.Empty(t, cfg.Upstream.Watchlist)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MARKETGATE_ENV", "production")
	t.Setenv("MARKETGATE_UPSTREAM_URL", "ws://127.0.0.1:31000")
	t.Setenv("MARKETGATE_UPSTREAM_PING_INTERVAL", "5s")
	t.Setenv("MARKETGATE_UPSTREAM_ENCRYPTED_PAYLOADS", "true")
	t.Setenv("MARKETGATE_AUTH_APP_KEY", "PSabc")
	t.Setenv("MARKETGATE_RATES_FALLBACK", "1350.5")
	t.Setenv("MARKETGATE_REDIS_ENABLED", "true")
	t.Setenv("MARKETGATE_FANOUT_BUFFER_SIZE", "64")
	t.Setenv("MARKETGATE_UPSTREAM_WATCHLIST", "domestic:005930:quote")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "ws://127.0.0.1:31000", cfg.Upstream.URL)
	assert.Equal(t, 5*time.Second, cfg.Upstream.PingInterval)
	assert.True(t, cfg.Upstream.EncryptedPayloads)
	assert.Equal(t, "PSabc", cfg.Auth.AppKey)
	assert.Equal(t, 1350.5, cfg.Rates.Fallback)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 64, cfg.Fanout.BufferSize)
	assert.Equal(t, "domestic:005930:quote", cfg.Upstream.Watchlist)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MARKETGATE_FANOUT_BUFFER_SIZE", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "fanout.buffer_size")
}
