package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{API: APIConfig{BaseURL: "https://mailria.example/api"}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.API.BaseURL = "" },
			wantErr: "Config.API.BaseURL is required",
		},
		{
			name:    "base url not a url",
			mutate:  func(c *Config) { c.API.BaseURL = "mailria" },
			wantErr: "must be a valid URL",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: "must be one of: file redis sqlite memory",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Session.MaxAge = "a week" },
			wantErr: "Config.Session.MaxAge must be a positive duration",
		},
		{
			name:    "zero duration",
			mutate:  func(c *Config) { c.Session.HeartbeatInterval = "0s" },
			wantErr: "must be a positive duration",
		},
		{
			name:    "relative login route",
			mutate:  func(c *Config) { c.Session.LoginRoute = "login" },
			wantErr: `must start with "/"`,
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "localhost" },
			wantErr: "must be a valid host:port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "must be one of: debug info warn error",
		},
		{
			name:    "redis db out of range",
			mutate:  func(c *Config) { c.Storage.RedisDB = 16 },
			wantErr: "must be at most 15",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendRedis
				c.Storage.RedisAddr = ""
			},
			wantErr: "storage.redis_addr is required",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendSQLite
				c.Storage.SQLitePath = ""
			},
			wantErr: "storage.sqlite_path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_RedisBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Storage.Backend = BackendRedis
	cfg.Storage.RedisAddr = "127.0.0.1:6379"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
