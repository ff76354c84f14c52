package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_TTL", "")
	t.Setenv("TOKEN_BIND_DEVICE", "")
	t.Setenv("TOKEN_BIND_IP", "")

	cfg := Load()
	require.Equal(t, 15*time.Minute, cfg.TokenTTL)
	require.True(t, cfg.TokenBindDevice)
	require.False(t, cfg.TokenBindIP)
	require.False(t, cfg.TokenSingleUse)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "18081")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TOKEN_TTL", "24h")
	t.Setenv("TOKEN_BIND_IP", "true")
	t.Setenv("TOKEN_SINGLE_USE", "1")
	t.Setenv("SYNC_WORKERS", "8")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("EVENT_TIMEZONE", "Asia/Kolkata")

	cfg := Load()
	require.Equal(t, "18081", cfg.HTTPPort)
	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, 24*time.Hour, cfg.TokenTTL)
	require.True(t, cfg.TokenBindIP)
	require.True(t, cfg.TokenSingleUse)
	require.Equal(t, 8, cfg.SyncWorkers)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, "Asia/Kolkata", cfg.Location().String())
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TOKEN_TTL", "soon")
	t.Setenv("TOKEN_BIND_DEVICE", "maybe")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	t.Setenv("EVENT_TIMEZONE", "Nowhere/Special")

	cfg := Load()
	require.Equal(t, 15*time.Minute, cfg.TokenTTL)
	require.True(t, cfg.TokenBindDevice)
	require.Equal(t, 120, cfg.RateLimitPerMin)
	require.Equal(t, time.UTC, cfg.Location())
}
