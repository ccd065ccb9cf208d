package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tokensync/credential"
)

var (
	tokenID      bool
	tokenJSON    bool
	tokenRefresh bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid access token",
	Long: `Print a valid access token, renewing it silently when needed.

The command never opens a browser. It exits with code 2 when only an
interactive login can produce credentials.

Examples:
  tokensync token                      # Print the access token
  tokensync token --id-token           # Print the ID token
  tokensync token --json               # Print the credential set as JSON
  tokensync token --refresh            # Renew before printing`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenID, "id-token", false, "Print the ID token instead of the access token")
	tokenCmd.Flags().BoolVar(&tokenJSON, "json", false, "Print expiry, scopes and tokens as JSON")
	tokenCmd.Flags().BoolVar(&tokenRefresh, "refresh", false, "Renew the credentials even if they are still valid")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	set, err := rt.client.LoginSilent(ctx, credential.Request{ForceRefresh: tokenRefresh})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case tokenJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(set)
	case tokenID:
		if set.IDToken == "" {
			return fmt.Errorf("the provider issued no ID token")
		}
		_, err = fmt.Fprintln(out, set.IDToken)
	default:
		_, err = fmt.Fprintln(out, set.AccessToken)
	}
	return err
}
