// Package config loads server settings from the environment with optional
// .env support. Command-line flags in cmd/collabd bind directly onto the
// loaded struct, so flags override environment values and Validate runs on
// the final result.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	// Core TCP listener.
	Host    string `env:"COLLAB_HOST" envDefault:"0.0.0.0"`
	Port    int    `env:"COLLAB_PORT" envDefault:"5055"`
	Backlog int    `env:"COLLAB_BACKLOG" envDefault:"128"`

	// Persistence.
	SnapshotDir      string `env:"COLLAB_SNAPSHOT_DIR" envDefault:"snapshots"`
	OplogDir         string `env:"COLLAB_OPLOG_DIR" envDefault:"oplogs"`
	SnapshotInterval int    `env:"COLLAB_SNAPSHOT_INTERVAL" envDefault:"50"`

	// Sessions. HeartbeatTimeoutSec 0 disables idle eviction.
	HeartbeatTimeoutSec int `env:"COLLAB_HEARTBEAT_TIMEOUT" envDefault:"120"`

	// Logging.
	LogLevel  string `env:"COLLAB_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"COLLAB_LOG_PRETTY" envDefault:"false"`

	// Operational endpoints and taps.
	MetricsAddr        string `env:"COLLAB_METRICS_ADDR" envDefault:":9090"`
	WSPort             int    `env:"COLLAB_WS_PORT" envDefault:"0"`
	NATSURL            string `env:"COLLAB_NATS_URL" envDefault:""`
	MonitorIntervalSec int    `env:"COLLAB_MONITOR_INTERVAL" envDefault:"60"`

	// Connection admission. Zero values disable each limit.
	MaxConns  int     `env:"COLLAB_MAX_CONNS" envDefault:"0"`
	ConnRate  float64 `env:"COLLAB_CONN_RATE" envDefault:"0"`
	ConnBurst int     `env:"COLLAB_CONN_BURST" envDefault:"10"`
}

// Load reads .env if present, then the environment. Validation is deferred
// to the caller so flag overrides are included.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Backlog < 1 {
		return fmt.Errorf("invalid backlog: %d (must be >= 1)", c.Backlog)
	}
	if c.SnapshotInterval < 1 {
		return fmt.Errorf("invalid snapshot interval: %d (must be >= 1)", c.SnapshotInterval)
	}
	if c.HeartbeatTimeoutSec < 0 {
		return fmt.Errorf("invalid heartbeat timeout: %d (must be >= 0)", c.HeartbeatTimeoutSec)
	}
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.LogLevel)
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		return fmt.Errorf("invalid websocket port: %d (must be 0-65535)", c.WSPort)
	}
	if c.WSPort != 0 && c.WSPort == c.Port {
		return fmt.Errorf("websocket port %d collides with tcp port", c.WSPort)
	}
	if c.MonitorIntervalSec < 0 {
		return fmt.Errorf("invalid monitor interval: %d (must be >= 0)", c.MonitorIntervalSec)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("invalid max conns: %d (must be >= 0)", c.MaxConns)
	}
	if c.ConnRate < 0 {
		return fmt.Errorf("invalid conn rate: %f (must be >= 0)", c.ConnRate)
	}
	if c.ConnRate > 0 && c.ConnBurst < 1 {
		return fmt.Errorf("invalid conn burst: %d (must be >= 1 when rate limiting)", c.ConnBurst)
	}
	return nil
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WSAddr is the WebSocket gateway address; empty when the gateway is off.
func (c *Config) WSAddr() string {
	if c.WSPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.WSPort))
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Int("backlog", c.Backlog).
		Str("snapshot_dir", c.SnapshotDir).
		Str("oplog_dir", c.OplogDir).
		Int("snapshot_interval", c.SnapshotInterval).
		Int("heartbeat_timeout_sec", c.HeartbeatTimeoutSec).
		Str("metrics_addr", c.MetricsAddr).
		Int("ws_port", c.WSPort).
		Str("nats_url", c.NATSURL).
		Int("monitor_interval_sec", c.MonitorIntervalSec).
		Int("max_conns", c.MaxConns).
		Float64("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
