package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/tokensync/autherr"
	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/internal/config"
	"github.com/giantswarm/tokensync/sessionsync"
)

var watchKeepAlive time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep credentials fresh and report session events",
	Long: `Run in the foreground, renewing credentials before they expire and
printing session events from this and sibling processes.

Changes to the allowed session domains and the session timeout in the
configuration file are applied without a restart.

Examples:
  tokensync watch                      # Renew and report until interrupted
  tokensync watch --keep-alive 5m      # Also extend the session every 5m`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchKeepAlive, "keep-alive", 0, "Record session activity at this interval (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, path, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	defer rt.Close()

	if _, err := rt.client.LoginSilent(ctx, credential.Request{}); err != nil {
		return err
	}

	events := make(chan sessionsync.Event, 16)
	unsubscribe := rt.client.OnEvent(func(ev sessionsync.Event) {
		select {
		case events <- ev:
		default:
			logger.Warn("Dropping session event, printer is behind", "type", ev.Type)
		}
	})
	defer unsubscribe()

	watcher, err := config.Watch(config.WatcherConfig{
		Path:   path,
		Logger: logger,
		OnChange: func(updated config.Config) {
			rt.client.SetAllowedDomains(updated.Session.AllowedDomains)
			rt.client.SetSessionTimeout(updated.Session.Timeout)
		},
	})
	if err != nil {
		logger.Warn("Configuration changes will not be applied", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	progress(cmd, "Watching session, press Ctrl+C to stop\n")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return printEvents(ctx, cmd, events)
	})
	if watchKeepAlive > 0 {
		g.Go(func() error {
			return keepAlive(ctx, rt, watchKeepAlive)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printEvents writes events until ctx ends. An ended session stops the
// watch.
func printEvents(ctx context.Context, cmd *cobra.Command, events <-chan sessionsync.Event) error {
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			origin := "local"
			if ev.Remote {
				origin = "remote"
			}
			line := fmt.Sprintf("%s %-22s %s", time.Now().Format(time.TimeOnly), ev.Type, origin)
			if ev.Credentials != nil {
				line += " expires=" + formatExpiry(ev.Credentials)
			}
			if ev.Err != nil {
				line += " error=" + ev.Err.Error()
			}
			fmt.Fprintln(out, line)

			switch ev.Type {
			case sessionsync.EventSessionEnded, sessionsync.EventSessionExpired:
				return fmt.Errorf("session %s", ev.Type)
			case sessionsync.EventInteractionRequired:
				if ev.Err == nil {
					return autherr.New(autherr.KindCredentialRejected, "run tokensync login")
				}
				return fmt.Errorf("run tokensync login: %w", ev.Err)
			}
		}
	}
}

func keepAlive(ctx context.Context, rt *runtime, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := rt.client.RecordActivity(ctx); err != nil {
				return err
			}
		}
	}
}
