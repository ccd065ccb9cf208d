package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tokensync/internal/config"
	"github.com/giantswarm/tokensync/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "tokensync",
	Short: "Keep identity provider credentials fresh across processes",
	Long: `tokensync signs in to an OAuth2/OIDC identity provider, caches the
resulting credentials encrypted at rest and renews them before they expire.

Every process that shares the configured storage and bus sees the same
session: a login, refresh or logout in one is picked up by the others.

The configuration is read from $XDG_CONFIG_HOME/tokensync/config.yaml and
TOKENSYNC_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $XDG_CONFIG_HOME/tokensync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.SetVersionTemplate(`{{printf "tokensync version %s\n" .Version}}`)
}

// resolveConfigPath returns --config or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := config.DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.FileName), nil
}

// loadConfig reads the configuration and builds the logger. Flags override
// the file and environment.
func loadConfig() (config.Config, string, *slog.Logger, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return config.Config{}, "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, "", nil, err
	}
	return cfg, path, logger, nil
}

// openRuntime loads the configuration and builds a client.
func openRuntime(ctx context.Context) (*runtime, config.Config, error) {
	cfg, _, logger, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to initialize client: %w", err)
	}
	return rt, cfg, nil
}

// progress prints unless --quiet is set.
func progress(cmd *cobra.Command, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	}
}
