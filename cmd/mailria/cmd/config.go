package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mailria/mailria/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, MAILRIA_*
environment variables and defaults. Secrets are redacted.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", file)
	}
	out, err := renderConfig(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// renderConfig encodes cfg as YAML with secrets redacted.
func renderConfig(cfg *config.Config) ([]byte, error) {
	redacted := *cfg
	if redacted.Storage.RedisPassword != "" {
		redacted.Storage.RedisPassword = "********"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
