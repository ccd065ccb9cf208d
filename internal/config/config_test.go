package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
provider: dex
issuer: https://dex.example.com
client_id: my-cli
connector_id: github
scopes: [openid, profile, offline_access]
refresh_buffer: 2m
storage:
  backend: valkey
  valkey_address: localhost:6379
bus:
  backend: valkey
session:
  timeout: 45m
  allowed_domains: [app.example.com, admin.example.com]
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderDex, cfg.Provider)
	assert.Equal(t, "https://dex.example.com", cfg.Issuer)
	assert.Equal(t, "github", cfg.ConnectorID)
	assert.Equal(t, []string{"openid", "profile", "offline_access"}, cfg.Scopes)
	assert.Equal(t, 2*time.Minute, cfg.RefreshBuffer)
	assert.Equal(t, StorageValkey, cfg.Storage.Backend)
	assert.Equal(t, 45*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, []string{"app.example.com", "admin.example.com"}, cfg.Session.AllowedDomains)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOKENSYNC_ISSUER", "https://issuer.example.com")
	t.Setenv("TOKENSYNC_CLIENT_ID", "env-client")
	t.Setenv("TOKENSYNC_SESSION_TIMEOUT", "10m")

	cfg, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)

	assert.Equal(t, ProviderOIDC, cfg.Provider)
	assert.Equal(t, "https://issuer.example.com", cfg.Issuer)
	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, 10*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, StorageFile, cfg.Storage.Backend)
	assert.Equal(t, dir, cfg.Storage.Dir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("TOKENSYNC_STORAGE", "memory")
	t.Setenv("TOKENSYNC_LOG_LEVEL", "warn")
	t.Setenv("TOKENSYNC_REFRESH_BUFFER", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Minute, cfg.RefreshBuffer, "invalid env durations keep the file value")
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "provider: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Issuer = "https://issuer.example.com"
	cfg.ClientID = "saved"

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.ClientID)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Issuer = "https://issuer.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "okta" }, wantErr: "unknown provider"},
		{name: "oidc without issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "requires an issuer"},
		{name: "github without issuer", mutate: func(c *Config) { c.Provider = ProviderGitHub; c.Issuer = "" }},
		{name: "oauth2 without token URL", mutate: func(c *Config) { c.Provider = ProviderOAuth2 }, wantErr: "requires a token URL"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: "unknown storage backend"},
		{name: "valkey without address", mutate: func(c *Config) { c.Storage.Backend = StorageValkey }, wantErr: "requires an address"},
		{name: "postgres without DSN", mutate: func(c *Config) { c.Storage.Backend = StoragePostgres }, wantErr: "requires a DSN"},
		{name: "websocket bus without URL", mutate: func(c *Config) { c.Bus.Backend = BusWebSocket }, wantErr: "requires a relay URL"},
		{name: "valkey bus reuses storage address", mutate: func(c *Config) {
			c.Storage.Backend = StorageValkey
			c.Storage.ValkeyAddress = "localhost:6379"
			c.Bus.Backend = BusValkey
		}},
		{name: "unknown bus", mutate: func(c *Config) { c.Bus.Backend = "nats" }, wantErr: "unknown bus backend"},
		{name: "negative timeout", mutate: func(c *Config) { c.Session.Timeout = -time.Second }, wantErr: "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TOKENSYNC_TEST_STRING", "  value ")
	t.Setenv("TOKENSYNC_TEST_BOOL", "true")
	t.Setenv("TOKENSYNC_TEST_BAD_BOOL", "maybe")
	t.Setenv("TOKENSYNC_TEST_DURATION", "90s")
	t.Setenv("TOKENSYNC_TEST_ZERO", "0s")

	assert.Equal(t, "value", EnvString("TOKENSYNC_TEST_STRING", "def"))
	assert.Equal(t, "def", EnvString("TOKENSYNC_TEST_UNSET", "def"))
	assert.True(t, EnvBool("TOKENSYNC_TEST_BOOL", false))
	assert.True(t, EnvBool("TOKENSYNC_TEST_BAD_BOOL", true))
	assert.Equal(t, 90*time.Second, EnvDuration("TOKENSYNC_TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, EnvDuration("TOKENSYNC_TEST_ZERO", time.Minute))
}

func TestDefaultDir_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "tokensync"), dir)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	var mu sync.Mutex
	var got []Config
	w, err := Watch(WatcherConfig{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		OnChange: func(cfg Config) {
			mu.Lock()
			got = append(got, cfg)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	// Invalid content is skipped.
	writeConfig(t, dir, "provider: okta\n")
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, dir, strings.Replace(sampleConfig, "timeout: 45m", "timeout: 5m", 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Session.Timeout == 5*time.Minute
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range got {
		assert.NotEqual(t, "okta", cfg.Provider)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	calls := make(chan Config, 1)
	w, err := Watch(WatcherConfig{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		OnChange: func(cfg Config) { calls <- cfg },
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))

	select {
	case <-calls:
		t.Fatal("OnChange called for an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	w, err := Watch(WatcherConfig{Path: path})
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatch_MissingDirectory(t *testing.T) {
	_, err := Watch(WatcherConfig{Path: filepath.Join(t.TempDir(), "missing", FileName)})
	assert.Error(t, err)
}
