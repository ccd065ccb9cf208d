package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tokensync/internal/util"
)

// tokenPreviewLen is how much of a token status prints.
const tokenPreviewLen = 8

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached credentials and the session",
	Long: `Show the cached credentials, the shared session and the next scheduled
renewal. Nothing is renewed and no browser is opened.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, cfg, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	now := time.Now()

	fmt.Fprintf(out, "Provider:  %s\n", rt.client.Authority().Name)
	fmt.Fprintf(out, "Storage:   %s\n", cfg.Storage.Backend)
	if rt.client.Degraded() {
		fmt.Fprintln(out, "           (persistence unavailable, using memory)")
	}

	session, err := rt.client.DetectSession(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(out, "Session:   error: %v\n", err)
	case session == nil:
		fmt.Fprintln(out, "Session:   none")
	default:
		fmt.Fprintf(out, "Session:   %s (%s)\n", session.ID, session.Principal)
		fmt.Fprintf(out, "           expires in %s\n", remaining(now, session.ExpiresAt))
	}

	entries := rt.client.CachedCredentials(ctx)
	if len(entries) == 0 {
		fmt.Fprintln(out, "Credentials: none")
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSCOPES\tTOKEN\tEXPIRES IN\tREFRESHABLE")
	for _, e := range entries {
		set := e.Credentials
		fmt.Fprintf(tw, "%s\t%s\t%s…\t%s\t%t\n",
			e.AccountID,
			strings.Join(e.Scopes, " "),
			util.SafeTruncate(set.AccessToken, tokenPreviewLen),
			remaining(now, set.ExpiresAt),
			set.CanRefresh())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if at, ok := rt.client.NextRefreshAt(); ok {
		fmt.Fprintf(out, "\nNext renewal in %s\n", remaining(now, at))
	}
	return nil
}

func remaining(now, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	d := at.Sub(now).Truncate(time.Second)
	if d <= 0 {
		return "expired"
	}
	return d.String()
}
