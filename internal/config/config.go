// Package config loads the relay's runtime settings from the environment,
// applying defaults and sanitizing out-of-range values.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// A zero Burst disables rate limiting.
type RateLimitConfig struct {
	Burst    int           `env:"RELAY_RATE_LIMIT_BURST" envDefault:"0"`
	Interval time.Duration `env:"RELAY_RATE_LIMIT_INTERVAL" envDefault:"1s"`
}

// Config holds the relay and admin server settings.
type Config struct {
	Addr            string        `env:"RELAY_ADDR" envDefault:"0.0.0.0:4040"`
	BufferSize      int           `env:"RELAY_BUFFER_SIZE" envDefault:"4096"`
	MaxPendingBytes int           `env:"RELAY_MAX_PENDING_BYTES" envDefault:"1048576"`
	MaxConnections  int           `env:"RELAY_MAX_CONNECTIONS" envDefault:"0"`
	PollTimeout     time.Duration `env:"RELAY_POLL_TIMEOUT" envDefault:"50ms"`
	RateLimit       RateLimitConfig

	// AdminEnabled switches the admin HTTP server. An empty ADMIN_ADDR reads
	// as unset and keeps the default address.
	AdminEnabled   bool     `env:"ADMIN_ENABLED" envDefault:"true"`
	AdminAddr      string   `env:"ADMIN_ADDR" envDefault:":8080"`
	AllowedOrigins []string `env:"ADMIN_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func defaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:4040",
		BufferSize:      4096,
		MaxPendingBytes: 1 << 20,
		PollTimeout:     50 * time.Millisecond,
		RateLimit: RateLimitConfig{
			Interval: time.Second,
		},
		AdminEnabled:   true,
		AdminAddr:      ":8080",
		AllowedOrigins: []string{"http://localhost:8080"},
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load reads an optional .env file, then the environment. Values that are
// out of range fall back to their defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	sanitized := sanitize(cfg)
	return &sanitized, nil
}

func sanitize(cfg Config) Config {
	defaults := defaultConfig()

	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaults.Addr
	}

	if strings.TrimSpace(cfg.AdminAddr) == "" {
		cfg.AdminAddr = defaults.AdminAddr
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = defaults.MaxPendingBytes
	}

	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.Interval <= 0 {
		cfg.RateLimit.Interval = defaults.RateLimit.Interval
	}

	cfg.AllowedOrigins = trimOrigins(cfg.AllowedOrigins)

	switch cfg.LogFormat {
	case "json", "text":
	default:
		cfg.LogFormat = defaults.LogFormat
	}

	return cfg
}

func trimOrigins(origins []string) []string {
	trimmed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			trimmed = append(trimmed, origin)
		}
	}
	return trimmed
}
