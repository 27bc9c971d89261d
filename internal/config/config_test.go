package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 5*time.Minute, cfg.CacheTTLShort)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	require.Equal(t, 25, cfg.RatePerSec)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRIDREF_ADDR", ":9999")
	t.Setenv("GRIDREF_CACHE_TTL_SHORT", "90s")
	t.Setenv("GRIDREF_REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.Addr)
	require.Equal(t, 90*time.Second, cfg.CacheTTLShort)
	require.Equal(t, 3, cfg.RedisDB)
}
