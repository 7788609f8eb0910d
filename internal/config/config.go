// Package config handles signalbus configuration loading.
//
// All settings come from the process environment (optionally seeded
// from a .env file in the working directory). There is no config file:
// the bridge is built to run under a process supervisor or container
// orchestrator where the environment is the natural configuration
// surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all signalbus configuration.
type Config struct {
	// SignalEndpoint is the host:port of the Signal gateway, without a
	// scheme. HTTP and WebSocket URLs are derived from it.
	SignalEndpoint string `env:"SIGNAL_ENDPOINT,required"`

	// Account is the registered Signal account this process serves.
	Account string `env:"REGISTERED_ACCOUNT,required"`

	// WebhookURL is the full assistant webhook URL.
	WebhookURL string `env:"WEBHOOK_URL,required"`

	// AuthToken is sent to the webhook as "Basic base64(token)".
	AuthToken string `env:"AUTH_TOKEN,required,unset"`

	// Whitelist is the comma-separated sender allow-list. Empty means
	// every authorization check fails.
	Whitelist []string `env:"AUTHORIZATION_WHITELIST" envSeparator:","`

	// GroupCacheSize bounds the group-id resolver LRU.
	GroupCacheSize int `env:"GROUP_CACHE_SIZE" envDefault:"1000"`

	// SenderRateLimit is the per-sender messages-per-minute cap.
	// Zero disables rate limiting.
	SenderRateLimit int `env:"SENDER_RATE_LIMIT" envDefault:"0"`

	// MetricsPort exposes /metrics and /healthz when non-zero.
	MetricsPort int `env:"METRICS_PORT" envDefault:"0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Timescale TimescaleConfig
}

// TimescaleConfig defines the archive database connection and the
// batching writer's tunables.
type TimescaleConfig struct {
	Host     string `env:"TIMESCALE_HOST" envDefault:"localhost"`
	Port     int    `env:"TIMESCALE_PORT" envDefault:"5432"`
	Database string `env:"TIMESCALE_DATABASE" envDefault:"signalbus"`
	Username string `env:"TIMESCALE_USERNAME" envDefault:"postgres"`
	Password string `env:"TIMESCALE_PASSWORD,required,unset"`

	// BatchSize is the maximum number of records per transaction.
	BatchSize int `env:"TIMESCALE_BATCH_SIZE" envDefault:"100"`

	// BatchTimeoutSeconds is the flush timer for partial batches.
	BatchTimeoutSeconds int `env:"TIMESCALE_BATCH_TIMEOUT_SECONDS" envDefault:"5"`

	// QueueSize bounds the writer's in-memory queue. Producers block
	// when it is full.
	QueueSize int `env:"TIMESCALE_QUEUE_SIZE" envDefault:"10000"`

	// MaxConnections caps concurrent batch transactions.
	MaxConnections int `env:"TIMESCALE_MAX_CONNECTIONS" envDefault:"5"`
}

// BatchTimeout returns the partial-batch flush timer as a duration.
func (t TimescaleConfig) BatchTimeout() time.Duration {
	return time.Duration(t.BatchTimeoutSeconds) * time.Second
}

// DSN returns the pgx connection string for the archive database.
func (t TimescaleConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		t.Host, t.Port, t.Database, t.Username, t.Password)
}

// AdminDSN returns a connection string against the maintenance database,
// used only by EnsureSchema to create the archive database when missing.
func (t TimescaleConfig) AdminDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=postgres user=%s password=%s sslmode=prefer",
		t.Host, t.Port, t.Username, t.Password)
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win over .env entries.
func Load() (*Config, error) {
	// godotenv.Load does not override variables that are already set.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if strings.Contains(cfg.SignalEndpoint, "://") {
		return nil, fmt.Errorf("SIGNAL_ENDPOINT must be host:port without a scheme, got %q", cfg.SignalEndpoint)
	}

	return cfg, nil
}
