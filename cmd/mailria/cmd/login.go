package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mailria/mailria/internal/adapter/outbound/api"
)

var (
	loginEmail      string
	loginPassword   string
	loginRememberMe bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session",
	Long: `Log in to the Mailria backend and store the token pair.

The password is read from --password, the MAILRIA_PASSWORD environment
variable, or the first line of stdin, in that order.

Without --remember-me the session expires 7 days after login
(session.max_age) in any process that runs "mailria serve".

Examples:
  # Prompt-free login from a secret manager
  pass show mailria | mailria login --email you@example.com

  # Keep the session until an explicit logout
  mailria login --email you@example.com --remember-me`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email address")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password (prefer stdin or MAILRIA_PASSWORD)")
	loginCmd.Flags().BoolVar(&loginRememberMe, "remember-me", false, "disable the 7-day session timeout")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := resolvePassword(loginPassword, os.Getenv("MAILRIA_PASSWORD"), cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	return withApp(func(a *app) error {
		if err := a.login.Login(ctx, loginEmail, password, loginRememberMe); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return errors.New("login failed: invalid email or password")
			}
			return err
		}
		if err := refreshIdentity(ctx, a); err != nil {
			a.logger.Warn("identity not verified after login", "error", err)
		}

		snap := a.manager.Snapshot()
		email := snap.Email
		if email == "" {
			email = strings.TrimSpace(loginEmail)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", email)
		if !a.kv.Durable() {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: storage is not durable, the session ends with this process")
		}
		return nil
	})
}

// resolvePassword picks the flag value, then env, then the first stdin line.
func resolvePassword(flagValue, envValue string, stdin io.Reader) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if envValue != "" {
		return envValue, nil
	}
	if stdin == nil {
		return "", errors.New("password required: use --password, MAILRIA_PASSWORD or stdin")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password required: use --password, MAILRIA_PASSWORD or stdin")
	}
	return line, nil
}

// refreshIdentity verifies the session and stores the identity it returns.
func refreshIdentity(ctx context.Context, a *app) error {
	epoch := a.manager.Epoch()
	id, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	if !a.manager.ApplyIdentity(epoch, id.Email, id.RoleID, id.Permissions) {
		return errNotLoggedIn
	}
	return nil
}
