// Package config loads the tokensync command configuration from a YAML file
// and TOKENSYNC_* environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appDir = "tokensync"

	// FileName is the configuration file inside the configuration directory.
	FileName = "config.yaml"
)

// Provider names.
const (
	ProviderOIDC   = "oidc"
	ProviderDex    = "dex"
	ProviderGoogle = "google"
	ProviderGitHub = "github"
	ProviderOAuth2 = "oauth2"
)

// Storage backends.
const (
	StorageFile     = "file"
	StorageValkey   = "valkey"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Bus backends. An empty backend uses storage events when the store
// supports them.
const (
	BusNone      = "none"
	BusValkey    = "valkey"
	BusWebSocket = "websocket"
)

// Config is the command configuration.
type Config struct {
	Provider     string   `yaml:"provider"`
	Issuer       string   `yaml:"issuer,omitempty"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// ConnectorID selects a Dex connector.
	ConnectorID string `yaml:"connector_id,omitempty"`

	// HostedDomain restricts Google sign-in to a Workspace domain.
	HostedDomain string `yaml:"hosted_domain,omitempty"`

	// AllowedOrganizations restricts GitHub profiles.
	AllowedOrganizations []string `yaml:"allowed_organizations,omitempty"`

	AccountID        string        `yaml:"account_id,omitempty"`
	CallbackPort     int           `yaml:"callback_port,omitempty"`
	RefreshBuffer    time.Duration `yaml:"refresh_buffer,omitempty"`
	VerifySignatures bool          `yaml:"verify_signatures,omitempty"`

	// EncryptionKey is the base64 cache key shared by every process.
	EncryptionKey string `yaml:"encryption_key,omitempty"`

	Storage StorageConfig `yaml:"storage"`
	Bus     BusConfig     `yaml:"bus"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects the credential and session store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix,omitempty"`

	// Dir holds the file backend (default: the configuration directory).
	Dir string `yaml:"dir,omitempty"`

	ValkeyAddress  string `yaml:"valkey_address,omitempty"`
	ValkeyPassword string `yaml:"valkey_password,omitempty"`
	ValkeyDB       int    `yaml:"valkey_db,omitempty"`

	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// BusConfig selects the cross-process message bus.
type BusConfig struct {
	Backend string `yaml:"backend,omitempty"`

	// URL is the websocket relay URL.
	URL string `yaml:"url,omitempty"`

	// ValkeyAddress defaults to the storage Valkey address.
	ValkeyAddress string `yaml:"valkey_address,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
}

// SessionConfig holds the settings that may change while a client runs.
type SessionConfig struct {
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	OriginDomain   string        `yaml:"origin_domain,omitempty"`
	AllowedDomains []string      `yaml:"allowed_domains,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// DefaultDir returns $XDG_CONFIG_HOME/tokensync, falling back to the
// platform user configuration directory.
func DefaultDir() (string, error) {
	if dir := EnvString("XDG_CONFIG_HOME", ""); dir != "" {
		return filepath.Join(dir, appDir), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(dir, appDir), nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Provider: ProviderOIDC,
		Storage:  StorageConfig{Backend: StorageFile},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, applies the environment and validates the result. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}

	ApplyEnv(&cfg)
	if cfg.Storage.Backend == StorageFile && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Dir(path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory when needed.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides cfg with TOKENSYNC_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.Provider = EnvString("TOKENSYNC_PROVIDER", cfg.Provider)
	cfg.Issuer = EnvString("TOKENSYNC_ISSUER", cfg.Issuer)
	cfg.ClientID = EnvString("TOKENSYNC_CLIENT_ID", cfg.ClientID)
	cfg.ClientSecret = EnvString("TOKENSYNC_CLIENT_SECRET", cfg.ClientSecret)
	cfg.AccountID = EnvString("TOKENSYNC_ACCOUNT_ID", cfg.AccountID)
	cfg.EncryptionKey = EnvString("TOKENSYNC_ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.RefreshBuffer = EnvDuration("TOKENSYNC_REFRESH_BUFFER", cfg.RefreshBuffer)
	cfg.VerifySignatures = EnvBool("TOKENSYNC_VERIFY_SIGNATURES", cfg.VerifySignatures)

	cfg.Storage.Backend = EnvString("TOKENSYNC_STORAGE", cfg.Storage.Backend)
	cfg.Storage.Dir = EnvString("TOKENSYNC_STORAGE_DIR", cfg.Storage.Dir)
	cfg.Storage.ValkeyAddress = EnvString("TOKENSYNC_VALKEY_ADDRESS", cfg.Storage.ValkeyAddress)
	cfg.Storage.ValkeyPassword = EnvString("TOKENSYNC_VALKEY_PASSWORD", cfg.Storage.ValkeyPassword)
	cfg.Storage.PostgresDSN = EnvString("TOKENSYNC_DATABASE_URL", cfg.Storage.PostgresDSN)

	cfg.Bus.Backend = EnvString("TOKENSYNC_BUS", cfg.Bus.Backend)
	cfg.Bus.URL = EnvString("TOKENSYNC_BUS_URL", cfg.Bus.URL)

	cfg.Session.Timeout = EnvDuration("TOKENSYNC_SESSION_TIMEOUT", cfg.Session.Timeout)

	cfg.Log.Level = EnvString("TOKENSYNC_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = EnvString("TOKENSYNC_LOG_FORMAT", cfg.Log.Format)
}

// Validate checks cross-field constraints. Provider discovery and endpoint
// reachability are checked when the client is built.
func (c *Config) Validate() error {
	if !slices.Contains([]string{ProviderOIDC, ProviderDex, ProviderGoogle, ProviderGitHub, ProviderOAuth2}, c.Provider) {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Provider {
	case ProviderOIDC, ProviderDex:
		if c.Issuer == "" {
			return fmt.Errorf("provider %s requires an issuer", c.Provider)
		}
	case ProviderOAuth2:
		if c.TokenURL == "" {
			return fmt.Errorf("provider %s requires a token URL", c.Provider)
		}
	}

	switch c.Storage.Backend {
	case StorageFile, StorageMemory:
	case StorageValkey:
		if c.Storage.ValkeyAddress == "" {
			return fmt.Errorf("valkey storage requires an address")
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Bus.Backend {
	case "", BusNone:
	case BusValkey:
		if c.Bus.ValkeyAddress == "" && c.Storage.ValkeyAddress == "" {
			return fmt.Errorf("valkey bus requires an address")
		}
	case BusWebSocket:
		if c.Bus.URL == "" {
			return fmt.Errorf("websocket bus requires a relay URL")
		}
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}

	if c.Session.Timeout < 0 {
		return fmt.Errorf("session timeout must not be negative")
	}
	return nil
}
