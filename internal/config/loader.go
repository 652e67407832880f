package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// fileBaseName is the config file name without extension.
const fileBaseName = "mailria"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for mailria.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName(fileBaseName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MAILRIA_API_BASE_URL
	viper.SetEnvPrefix("MAILRIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for mailria.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mailria"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "mailria"))
		}
	} else {
		paths = append(paths, "/etc/mailria")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mailria.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, fileBaseName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every scalar config key for environment variable support.
// Example: MAILRIA_STORAGE_BACKEND overrides storage.backend
func bindNestedEnvKeys() {
	_ = viper.BindEnv("api.base_url")
	_ = viper.BindEnv("api.timeout")

	_ = viper.BindEnv("storage.backend")
	_ = viper.BindEnv("storage.dir")
	_ = viper.BindEnv("storage.redis_addr")
	_ = viper.BindEnv("storage.redis_db")
	_ = viper.BindEnv("storage.redis_password")
	_ = viper.BindEnv("storage.namespace")
	_ = viper.BindEnv("storage.sqlite_path")
	_ = viper.BindEnv("storage.poll_interval")

	_ = viper.BindEnv("session.max_age")
	_ = viper.BindEnv("session.heartbeat_interval")
	_ = viper.BindEnv("session.login_route")
	_ = viper.BindEnv("session.default_route")

	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	// Note: server.allowed_origins is an array, set it in the config file

	_ = viper.BindEnv("tracing.enabled")
	_ = viper.BindEnv("tracing.metric_interval")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
