package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mailria/mailria/internal/adapter/outbound/api"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/session"
)

// errNotLoggedIn is returned by commands that need a stored session.
var errNotLoggedIn = errors.New("not logged in: run \"mailria login\" first")

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Verify the stored session against the backend",
	Long: `Call the backend with the stored token and print the verified identity.
An expired access token is refreshed transparently; if the refresh fails
the session is cleared.`,
	RunE: runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	return withApp(func(a *app) error {
		if !a.manager.Snapshot().LoggedIn() {
			return errNotLoggedIn
		}
		if err := refreshIdentity(ctx, a); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return errors.New("session is no longer valid: run \"mailria login\"")
			}
			return fmt.Errorf("verify session: %w", err)
		}

		snap := a.manager.Snapshot()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Email:       %s\n", snap.Email)
		fmt.Fprintf(out, "Role:        %s\n", roleName(snap.RoleID))
		fmt.Fprintf(out, "Permissions: %s\n", strings.Join(snap.Permissions.Keys(), ", "))
		fmt.Fprintf(out, "Landing:     %s\n", landingRoute(snap, a.cfg.Session.DefaultRoute))
		return nil
	})
}

// landingRoute is the page a user lands on after login.
func landingRoute(snap session.Session, fallback string) string {
	if permission.IsSuperAdmin(snap.RoleID) {
		return permission.DefaultPriority[0].Path
	}
	return permission.FirstAllowed(permission.DefaultPriority, snap.Permissions, fallback)
}

// roleName renders a role classifier for humans.
func roleName(roleID *int) string {
	if roleID == nil {
		return "unknown"
	}
	switch *roleID {
	case permission.RoleSuperAdmin:
		return "super admin"
	case permission.RoleUser:
		return "user"
	case permission.RoleRestrictedAdmin:
		return "restricted admin"
	default:
		return fmt.Sprintf("role %d", *roleID)
	}
}
