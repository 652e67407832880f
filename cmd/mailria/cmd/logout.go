package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the session in every context",
	Long: `Remove the stored session. Every "mailria serve" process sharing the
same storage observes the removal and returns to its login page.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		wasLoggedIn := a.manager.Snapshot().LoggedIn()
		a.login.Logout()
		if wasLoggedIn {
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
		}
		return nil
	})
}
