package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tokensync/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a cache encryption key",
	Long: `Generate a random 32-byte key for encrypting cached credentials.

Every process sharing a store needs the same key. Set it as encryption_key
in the configuration file or in TOKENSYNC_ENCRYPTION_KEY.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := security.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
		return err
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
