package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mailria/mailria/internal/domain/auth"
	"github.com/Mailria/mailria/internal/domain/session"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally stored session",
	Long: `Print the stored session without contacting the backend.

Token times are decoded from the access token without verifying its
signature; they are informational only.

Examples:
  mailria status
  mailria status -o yaml`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text, yaml or json")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the machine-readable form of "mailria status".
type statusReport struct {
	LoggedIn    bool         `yaml:"logged_in" json:"logged_in"`
	Email       string       `yaml:"email,omitempty" json:"email,omitempty"`
	Role        string       `yaml:"role,omitempty" json:"role,omitempty"`
	Permissions []string     `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	RememberMe  bool         `yaml:"remember_me" json:"remember_me"`
	Landing     string       `yaml:"landing,omitempty" json:"landing,omitempty"`
	Storage     storageState `yaml:"storage" json:"storage"`
	Token       *tokenState  `yaml:"token,omitempty" json:"token,omitempty"`
}

type storageState struct {
	Backend string `yaml:"backend" json:"backend"`
	Durable bool   `yaml:"durable" json:"durable"`
}

type tokenState struct {
	Opaque    bool      `yaml:"opaque" json:"opaque"`
	Subject   string    `yaml:"subject,omitempty" json:"subject,omitempty"`
	IssuedAt  time.Time `yaml:"issued_at,omitempty" json:"issued_at,omitzero"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitzero"`
	Expired   bool      `yaml:"expired" json:"expired"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusOutput {
	case "text", "yaml", "json":
	default:
		return fmt.Errorf("invalid output %q (must be text, yaml or json)", statusOutput)
	}

	return withApp(func(a *app) error {
		report := buildStatus(a.manager.Snapshot(), a.cfg.Storage.Backend, a.kv.Durable(), a.cfg.Session.DefaultRoute, time.Now())
		return writeStatus(cmd.OutOrStdout(), statusOutput, report)
	})
}

// buildStatus summarizes snap. now decides token expiry.
func buildStatus(snap session.Session, backend string, durable bool, fallback string, now time.Time) statusReport {
	report := statusReport{
		LoggedIn:   snap.LoggedIn(),
		Email:      snap.Email,
		RememberMe: snap.RememberMe,
		Storage:    storageState{Backend: backend, Durable: durable},
	}
	if !report.LoggedIn {
		return report
	}

	report.Role = roleName(snap.RoleID)
	report.Permissions = snap.Permissions.Keys()
	report.Landing = landingRoute(snap, fallback)

	info, err := auth.InspectToken(snap.AccessToken)
	switch {
	case errors.Is(err, auth.ErrOpaqueToken):
		report.Token = &tokenState{Opaque: true}
	case err == nil:
		report.Token = &tokenState{
			Subject:   info.Subject,
			IssuedAt:  info.IssuedAt,
			ExpiresAt: info.ExpiresAt,
			Expired:   info.HasExpiry() && info.ExpiresIn(now) <= 0,
		}
	}
	return report
}

func writeStatus(w io.Writer, format string, report statusReport) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !report.LoggedIn {
		fmt.Fprintf(w, "Not logged in (storage: %s, durable: %t)\n", report.Storage.Backend, report.Storage.Durable)
		return nil
	}
	fmt.Fprintf(w, "Logged in:   %s\n", orUnknown(report.Email))
	fmt.Fprintf(w, "Role:        %s\n", report.Role)
	fmt.Fprintf(w, "Permissions: %s\n", strings.Join(report.Permissions, ", "))
	fmt.Fprintf(w, "Remember me: %t\n", report.RememberMe)
	fmt.Fprintf(w, "Landing:     %s\n", report.Landing)
	fmt.Fprintf(w, "Storage:     %s (durable: %t)\n", report.Storage.Backend, report.Storage.Durable)
	if t := report.Token; t != nil {
		switch {
		case t.Opaque:
			fmt.Fprintln(w, "Token:       opaque")
		case t.ExpiresAt.IsZero():
			fmt.Fprintln(w, "Token:       no expiry")
		case t.Expired:
			fmt.Fprintf(w, "Token:       expired at %s (refreshed on next request)\n", t.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Fprintf(w, "Token:       expires at %s\n", t.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "(email not verified)"
	}
	return s
}
