// Package cmd provides the CLI commands for Mailria.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mailria/mailria/internal/config"
)

var (
	cfgFile    string
	storageDir string
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "mailria",
	Short: "Mailria - webmail session client",
	Long: `Mailria keeps an authenticated webmail session: it logs in, stores the
token pair durably, refreshes it on 401 and shares it with every other
Mailria process that uses the same storage.

Quick start:
  1. Create a config file: mailria.yaml (api.base_url is required)
  2. Run: mailria login --email you@example.com
  3. Run: mailria serve

Configuration:
  Config is loaded from mailria.yaml in the current directory,
  $HOME/.mailria/, or /etc/mailria/.

  Environment variables can override config values with the MAILRIA_ prefix.
  Example: MAILRIA_API_BASE_URL=https://mail.example.com/api

Commands:
  login       Log in and store the session
  logout      Clear the session in every context
  whoami      Verify the stored session against the backend
  status      Show the locally stored session
  serve       Run the local web shell
  config      Print the effective configuration
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mailria.yaml)")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "session storage directory (default: ~/.mailria)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, local backend default)")
}

func initConfig() {
	config.InitViper(cfgFile)
	if storageDir != "" {
		viper.Set("storage.dir", storageDir)
	}
}

// loadConfig reads the configuration, applies CLI overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
