// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration. All values come from the
// environment; unset variables fall back to the struct-tag defaults.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port string `env:"PORT" envDefault:"8080"`

	// DatabaseURL enables the PostgreSQL record sink when set; otherwise
	// records stay in memory and do not survive a restart.
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisURL enables the read-through session cache when set (requires
	// DatabaseURL).
	RedisURL string `env:"REDIS_URL"`

	// CacheTTL bounds staleness of cached session reads.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// HeartbeatInterval is the period of the ambient state broadcast.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
