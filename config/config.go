// Package config loads RAL's configuration from environment variables (and
// an optional .env file), the way the rest of the fleet does it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Commitment is a chain read-durability level. Explicit enum per spec.md §9
// ("replace dynamic config objects with per-field optionality").
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) valid() bool {
	switch c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return true
	default:
		return false
	}
}

// EventBusBackend selects the Event Bus Adapter's wire implementation.
type EventBusBackend string

const (
	EventBusNATS  EventBusBackend = "nats"
	EventBusKafka EventBusBackend = "kafka"
)

// Config holds every configuration knob RAL recognizes. Unknown environment
// variables are simply ignored by env.Parse; unknown *fields* are rejected
// here in Validate so a typo in an enum value fails fast instead of silently
// picking a default.
type Config struct {
	// Connectivity (spec.md §6)
	RPCURL      string `env:"SOLANA_RPC_URL"`
	RPCURLs     string `env:"SOLANA_RPC_URLS"`  // comma-separated; presence enables pooling
	WSURL       string `env:"SOLANA_WS_URL"`
	Commitment  string `env:"SOLANA_COMMITMENT" envDefault:"confirmed"`

	HealthCheckInterval time.Duration `env:"SOLANA_RPC_HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// Sidecar (spec.md §6)
	UseSidecar      bool   `env:"USE_SIDECAR" envDefault:"false"`
	SidecarSocket   string `env:"RPC_SIDECAR_SOCKET" envDefault:"/tmp/solana-rpc.sock"`
	SidecarWSURL    string `env:"RPC_SIDECAR_WS_URL" envDefault:"ws://localhost:3002"`
	SidecarRequestTimeout time.Duration `env:"RPC_SIDECAR_REQUEST_TIMEOUT" envDefault:"10s"`

	// Pool tuning (supplemented — spec.md §4.2 names the knobs, not the env vars)
	UnhealthyThreshold int           `env:"RAL_UNHEALTHY_THRESHOLD" envDefault:"3"`
	HealthyThreshold   int           `env:"RAL_HEALTHY_THRESHOLD" envDefault:"2"`
	RequestTimeout     time.Duration `env:"RAL_REQUEST_TIMEOUT" envDefault:"10s"`
	MaxRetries         int           `env:"RAL_MAX_RETRIES" envDefault:"3"`

	// WebSocket Supervisor reconnect policy (spec.md §4.3)
	ReconnectBaseDelay  time.Duration `env:"RAL_WS_RECONNECT_BASE" envDefault:"1s"`
	ReconnectMaxDelay   time.Duration `env:"RAL_WS_RECONNECT_MAX" envDefault:"30s"`
	ReconnectJitter     time.Duration `env:"RAL_WS_RECONNECT_JITTER" envDefault:"1s"`
	ReconnectMaxAttempts int          `env:"RAL_WS_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`

	// Event bus
	EventBusBackend EventBusBackend `env:"RAL_EVENTBUS_BACKEND" envDefault:"nats"`
	NATSURL         string          `env:"RAL_NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers    string          `env:"RAL_KAFKA_BROKERS" envDefault:"localhost:19092"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and the process
// environment. Priority: real env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		cfg.Log(*logger)
	}

	return cfg, nil
}

// Validate rejects malformed or unrecognized configuration values.
func (c *Config) Validate() error {
	if c.RPCURL == "" && c.RPCURLs == "" {
		return fmt.Errorf("one of SOLANA_RPC_URL or SOLANA_RPC_URLS is required")
	}
	if !Commitment(c.Commitment).valid() {
		return fmt.Errorf("SOLANA_COMMITMENT must be one of processed, confirmed, finalized (got %q)", c.Commitment)
	}
	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("RAL_UNHEALTHY_THRESHOLD must be > 0, got %d", c.UnhealthyThreshold)
	}
	if c.HealthyThreshold < 1 {
		return fmt.Errorf("RAL_HEALTHY_THRESHOLD must be > 0, got %d", c.HealthyThreshold)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("RAL_MAX_RETRIES must be > 0, got %d", c.MaxRetries)
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RAL_WS_RECONNECT_MAX_ATTEMPTS must be > 0, got %d", c.ReconnectMaxAttempts)
	}
	switch c.EventBusBackend {
	case EventBusNATS, EventBusKafka:
	default:
		return fmt.Errorf("RAL_EVENTBUS_BACKEND must be one of nats, kafka (got %q)", c.EventBusBackend)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// URLs returns the pool endpoint list: SOLANA_RPC_URLS if set (pooling
// enabled), otherwise the single SOLANA_RPC_URL.
func (c *Config) URLs() []string {
	if c.RPCURLs != "" {
		parts := strings.Split(c.RPCURLs, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	if c.RPCURL != "" {
		return []string{c.RPCURL}
	}
	return nil
}

// PoolingEnabled reports whether the RPC endpoint list (RPCURLs) is set; a
// list holding a single URL still enables pooling.
func (c *Config) PoolingEnabled() bool {
	return c.RPCURLs != ""
}

// Log emits the loaded configuration as a single structured record.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Strs("rpc_urls", c.URLs()).
		Str("ws_url", c.WSURL).
		Str("commitment", c.Commitment).
		Bool("pooling_enabled", c.PoolingEnabled()).
		Bool("use_sidecar", c.UseSidecar).
		Dur("health_check_interval", c.HealthCheckInterval).
		Int("max_retries", c.MaxRetries).
		Str("eventbus_backend", string(c.EventBusBackend)).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
