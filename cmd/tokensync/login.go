package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tokensync"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/flows"
	"github.com/giantswarm/tokensync/refresh"
)

var errLoginFailed = errors.New("login failed")

var (
	loginMode      string
	loginPrompt    string
	loginHint      string
	loginScopes    []string
	loginAccount   string
	loginForce     bool
	loginNoBrowser bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the identity provider",
	Long: `Sign in to the configured identity provider.

Cached credentials are reused when they are still valid or can be renewed
silently. Otherwise the system browser is opened and the provider redirect
is received on a loopback address.

Examples:
  tokensync login                      # Reuse or renew, sign in if needed
  tokensync login --force              # Always sign in interactively
  tokensync login --mode redirect      # Skip the popup-style flow
  tokensync login --prompt consent     # Ask the provider to show consent`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginMode, "mode", "", "Interactive mode: auto, popup or redirect")
	loginCmd.Flags().StringVar(&loginPrompt, "prompt", "", "OIDC prompt parameter (login, consent, select_account)")
	loginCmd.Flags().StringVar(&loginHint, "login-hint", "", "Account hint passed to the provider")
	loginCmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "Scopes to request (default: configured scopes)")
	loginCmd.Flags().StringVar(&loginAccount, "account", "", "Account to sign in (default: configured account)")
	loginCmd.Flags().BoolVar(&loginForce, "force", false, "Sign in interactively even when cached credentials are valid")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if loginNoBrowser {
		rt.browser.Launch = func(url string) error {
			progress(cmd, "Open this URL to sign in:\n\n  %s\n\n", url)
			return nil
		}
	}

	if !loginForce {
		set, err := rt.client.LoginSilent(ctx, credential.Request{AccountID: loginAccount, Scopes: loginScopes})
		if err == nil {
			progress(cmd, "Already signed in (expires %s)\n", formatExpiry(set))
			return nil
		}
		if !tokensync.InteractionRequired(err) {
			return err
		}
	}

	set, err := interactiveLogin(ctx, cmd, rt)
	if err != nil {
		return fmt.Errorf("%w: %w", errLoginFailed, err)
	}
	progress(cmd, "Signed in (expires %s)\n", formatExpiry(set))
	return nil
}

// interactiveLogin runs the browser flow and, when it degrades to a
// redirect, waits for the loopback callback.
func interactiveLogin(ctx context.Context, cmd *cobra.Command, rt *runtime) (*credential.Set, error) {
	progress(cmd, "Opening browser to sign in...\n")
	set, err := rt.client.Login(ctx, tokensync.LoginOptions{
		AccountID:    loginAccount,
		Scopes:       loginScopes,
		Mode:         refresh.Mode(strings.ToLower(loginMode)),
		Prompt:       loginPrompt,
		LoginHint:    loginHint,
		ResponseMode: "query",
	})
	if !errors.Is(err, flows.ErrRedirectPending) {
		return set, err
	}

	ctx, cancel := context.WithTimeout(ctx, browserLoginTimeout)
	defer cancel()
	callback, err := rt.browser.WaitForCallback(ctx)
	if err != nil {
		return nil, err
	}
	return rt.client.HandleRedirectCallback(ctx, callback)
}

func formatExpiry(set *credential.Set) string {
	if set == nil || set.ExpiresAt.IsZero() {
		return "never"
	}
	return set.ExpiresAt.Local().Format("2006-01-02 15:04:05 MST")
}
