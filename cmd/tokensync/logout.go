package main

import (
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke and clear cached credentials",
	Long: `Revoke cached refresh credentials where the provider supports it, clear
the credential cache and end the session for every process sharing it.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.client.Logout(ctx); err != nil {
		return err
	}
	progress(cmd, "Signed out\n")
	return nil
}
