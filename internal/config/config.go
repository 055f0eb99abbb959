// Package config loads YAML-driven configuration for the race server,
// the way the teacher's login/game servers each load their own
// top-level config struct from a single YAML file with defaults
// filled in first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RaceServer holds all configuration for the typing-race server process.
type RaceServer struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Queue storage (Redis for production, memory for single-process/tests)
	Queue QueueStoreConfig `yaml:"queue_store"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error (default: info)

	// Identity
	JWTSecret string `yaml:"jwt_secret"`

	// Session transport
	Session SessionConfig `yaml:"session"`

	// Matchmaking/match-execution tuning
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	// Connection pool parameters (optional, defaults from pgxpool apply if not set)
	MaxConns          int32  `yaml:"max_conns"`           // default: max(4, NumCPU)
	MinConns          int32  `yaml:"min_conns"`           // default: 0
	MaxConnLifetime   string `yaml:"max_conn_lifetime"`   // duration, e.g. "1h"
	MaxConnIdleTime   string `yaml:"max_conn_idle_time"`  // duration, e.g. "30m"
	HealthCheckPeriod string `yaml:"health_check_period"` // duration, e.g. "1m"
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	base := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)

	var params []string
	if d.MaxConns > 0 {
		params = append(params, fmt.Sprintf("pool_max_conns=%d", d.MaxConns))
	}
	if d.MinConns > 0 {
		params = append(params, fmt.Sprintf("pool_min_conns=%d", d.MinConns))
	}
	if d.MaxConnLifetime != "" {
		params = append(params, fmt.Sprintf("pool_max_conn_lifetime=%s", d.MaxConnLifetime))
	}
	if d.MaxConnIdleTime != "" {
		params = append(params, fmt.Sprintf("pool_max_conn_idle_time=%s", d.MaxConnIdleTime))
	}
	if d.HealthCheckPeriod != "" {
		params = append(params, fmt.Sprintf("pool_health_check_period=%s", d.HealthCheckPeriod))
	}

	if len(params) > 0 {
		return base + "&" + strings.Join(params, "&")
	}
	return base
}

// QueueStoreConfig selects and configures the matchmaking queue backend
// (spec.md §4.5's QueueStore port, redis vs memory adapters).
type QueueStoreConfig struct {
	Backend string `yaml:"backend"` // "redis" or "memory" (default: "redis")
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// SessionConfig tunes the WebSocket transport layer (internal/session).
type SessionConfig struct {
	WriteTimeout     time.Duration `yaml:"write_timeout"`       // per-write deadline (default: 5s)
	SendQueueSize    int           `yaml:"send_queue_size"`     // per-client outbox capacity (default: 64)
	ReadLimitBytes   int64         `yaml:"read_limit_bytes"`    // max inbound frame size (default: 4096)
	MaxInboundPerSec int           `yaml:"max_inbound_per_sec"` // rate limiter burst/refill (default: 50)
	AllowedOrigins   []string      `yaml:"allowed_origins"`     // empty = Origin not checked
	MaxSessionsPerIP int           `yaml:"max_sessions_per_ip"` // default: 1
}

// DefaultRaceServer returns RaceServer config with sensible defaults.
func DefaultRaceServer() RaceServer {
	return RaceServer{
		BindAddress: "0.0.0.0",
		Port:        8080,
		LogLevel:    "info",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "raceserver",
			Password: "raceserver",
			DBName:   "raceserver",
			SSLMode:  "disable",
		},
		Queue: QueueStoreConfig{
			Backend: "redis",
			Addr:    "127.0.0.1:6379",
		},
		Session: SessionConfig{
			WriteTimeout:     5 * time.Second,
			SendQueueSize:    64,
			ReadLimitBytes:   4 << 10,
			MaxInboundPerSec: 50,
			MaxSessionsPerIP: 1,
		},
		Matchmaking: DefaultMatchmaking(),
	}
}

// LoadRaceServer loads race server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadRaceServer(path string) (RaceServer, error) {
	cfg := DefaultRaceServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
