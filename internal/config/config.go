// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	Addr string `env:"GRIDREF_ADDR" envDefault:":8080"`

	// Main GMAO store. Empty DSN disables the readiness DB ping and every
	// store-backed endpoint reports unavailable.
	MainDSN string `env:"GRIDREF_PG_DSN"`
	// Temp staging store used by the create/update/approve workflow.
	TempDSN string `env:"GRIDREF_TEMP_DSN"`

	RedisAddr string `env:"GRIDREF_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"GRIDREF_REDIS_DB" envDefault:"0"`

	AuthSecret string `env:"GRIDREF_AUTH_SECRET"`

	AccessTokenTTL  time.Duration `env:"GRIDREF_ACCESS_TTL" envDefault:"30m"`
	RefreshTokenTTL time.Duration `env:"GRIDREF_REFRESH_TTL" envDefault:"168h"`

	// Cache lifetimes. Short covers hierarchy closures and reference
	// lists; the notification queue uses its own 7-day TTL.
	CacheTTLShort  time.Duration `env:"GRIDREF_CACHE_TTL_SHORT" envDefault:"5m"`
	CacheTTLMedium time.Duration `env:"GRIDREF_CACHE_TTL_MEDIUM" envDefault:"30m"`
	CacheTTLLong   time.Duration `env:"GRIDREF_CACHE_TTL_LONG" envDefault:"1h"`

	RateBurst  int `env:"GRIDREF_RATE_BURST" envDefault:"50"`
	RatePerSec int `env:"GRIDREF_RATE_PER_SEC" envDefault:"25"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
