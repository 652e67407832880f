// Package config provides configuration types for the Mailria session core.
//
// Configuration comes from mailria.yaml, MAILRIA_* environment variables and
// command-line flags, in increasing order of precedence. Durations are
// written as Go duration strings ("15s", "168h").
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Storage backend names.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the top-level configuration.
type Config struct {
	// API configures the Mailria backend the client talks to.
	API APIConfig `yaml:"api" mapstructure:"api"`

	// Storage configures the durable store shared by every context.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Session configures timeouts and routes of the session core.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Server configures the local web shell.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Tracing configures the OpenTelemetry stdout exporters.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (debug logging, local backend).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// APIConfig configures the backend client.
type APIConfig struct {
	// BaseURL is the root of the Mailria API (e.g., "https://mailria.example/api").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	// Timeout bounds each request. Default: "15s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`
}

// StorageConfig configures the durable key-value store.
type StorageConfig struct {
	// Backend is one of file, redis, sqlite or memory. Default: "file".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=file redis sqlite memory"`
	// Dir holds storage.json for the file backend. Default: "~/.mailria".
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RedisAddr is the redis host:port for the redis backend.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`
	// RedisDB selects the redis database.
	RedisDB int `yaml:"redis_db" mapstructure:"redis_db" validate:"min=0,max=15"`
	// RedisPassword authenticates to redis.
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	// Namespace prefixes every redis key. Default: "mailria".
	Namespace string `yaml:"namespace" mapstructure:"namespace" validate:"required"`
	// SQLitePath is the database file for the sqlite backend.
	// Default: "<dir>/mailria.db".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	// PollInterval is how often the sqlite backend checks for foreign
	// changes. Default: "500ms".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"duration"`
}

// SessionConfig configures the session services.
type SessionConfig struct {
	// MaxAge is the lifetime of a session without remember-me. Default: "168h".
	MaxAge string `yaml:"max_age" mapstructure:"max_age" validate:"duration"`
	// HeartbeatInterval is the time between liveness checks. Default: "5m".
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"duration"`
	// LoginRoute is the unauthenticated entry point. Default: "/login".
	LoginRoute string `yaml:"login_route" mapstructure:"login_route" validate:"startswith=/"`
	// DefaultRoute is the landing route when no permission matches.
	// Default: "/profile".
	DefaultRoute string `yaml:"default_route" mapstructure:"default_route" validate:"startswith=/"`
}

// ServerConfig configures the web shell listener.
type ServerConfig struct {
	// HTTPAddr is the listen address. Default: "127.0.0.1:8790".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"hostname_port"`
	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// AllowedOrigins may send browser requests with an Origin header.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Enabled writes spans and API metrics to stderr.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MetricInterval is the metric export period. Default: "30s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"duration"`
}

// TimeoutDuration returns Timeout parsed.
func (a APIConfig) TimeoutDuration() time.Duration {
	return parseDuration(a.Timeout, 15*time.Second)
}

// PollIntervalDuration returns PollInterval parsed.
func (s StorageConfig) PollIntervalDuration() time.Duration {
	return parseDuration(s.PollInterval, 500*time.Millisecond)
}

// MaxAgeDuration returns MaxAge parsed.
func (s SessionConfig) MaxAgeDuration() time.Duration {
	return parseDuration(s.MaxAge, 7*24*time.Hour)
}

// HeartbeatIntervalDuration returns HeartbeatInterval parsed.
func (s SessionConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDuration(s.HeartbeatInterval, 5*time.Minute)
}

// MetricIntervalDuration returns MetricInterval parsed.
func (t TracingConfig) MetricIntervalDuration() time.Duration {
	return parseDuration(t.MetricInterval, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DefaultStorageDir returns ~/.mailria, or ".mailria" when the home
// directory is unknown.
func DefaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailria"
	}
	return filepath.Join(home, ".mailria")
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8080"
	}
	c.Server.LogLevel = "debug"
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.API.Timeout == "" {
		c.API.Timeout = "15s"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultStorageDir()
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "mailria"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.Dir, "mailria.db")
	}
	if c.Storage.PollInterval == "" {
		c.Storage.PollInterval = "500ms"
	}

	if c.Session.MaxAge == "" {
		c.Session.MaxAge = "168h"
	}
	if c.Session.HeartbeatInterval == "" {
		c.Session.HeartbeatInterval = "5m"
	}
	if c.Session.LoginRoute == "" {
		c.Session.LoginRoute = "/login"
	}
	if c.Session.DefaultRoute == "" {
		c.Session.DefaultRoute = "/profile"
	}

	// Bind to localhost only; the shell holds a live session.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8790"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Tracing.MetricInterval == "" {
		c.Tracing.MetricInterval = "30s"
	}
}
