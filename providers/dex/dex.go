package dex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/providers/oidc"
)

// providerName is the authority name of Dex presets.
const providerName = "dex"

// defaultDexScopes are the default scopes for Dex providers.
var defaultDexScopes = []string{
	"openid",
	"profile",
	"email",
	"groups",         // Dex-specific: required for group membership
	"offline_access", // Required for refresh tokens
}

// Config holds Dex configuration.
type Config struct {
	// IssuerURL is the Dex issuer URL (e.g., https://dex.example.com)
	IssuerURL string

	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret. Public clients leave it empty
	// and rely on PKCE.
	ClientSecret string

	// ConnectorID is the optional Dex connector to use (e.g., "github", "ldap")
	// When set, bypasses the Dex connector selection UI
	ConnectorID string

	// Scopes are optional custom scopes (defaults to Dex-optimized scopes if empty)
	// Default: ["openid", "profile", "email", "groups", "offline_access"]
	Scopes []string

	// VerifySignatures enables ID token signature verification
	VerifySignatures bool

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout bounds discovery (default: 30s)
	RequestTimeout time.Duration

	Logger *slog.Logger

	// skipValidation skips SSRF protection for issuer URLs
	// INTERNAL USE ONLY: This is for testing with localhost test servers
	// Production code must NEVER set this to true
	skipValidation bool
}

// NewAuthority discovers the Dex endpoints and returns an authority that
// asks for groups and refresh tokens and, when configured, skips the
// connector selection screen.
//
// Dex rotates refresh tokens on every use; the refresh coordinator stores
// the rotated token with each renewal.
func NewAuthority(ctx context.Context, cfg *Config) (*providers.Authority, error) {
	if err := validateRequiredConfig(cfg); err != nil {
		return nil, err
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(defaultDexScopes)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	authority, err := oidc.NewAuthority(ctx, oidc.AuthorityConfig{
		Name:             providerName,
		IssuerURL:        cfg.IssuerURL,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		Scopes:           scopes,
		VerifySignatures: cfg.VerifySignatures,
		Discovery:        createDiscoveryClient(cfg.skipValidation, httpClient, cfg.Logger),
		HTTPClient:       httpClient,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.ConnectorID != "" {
		authority.AuthParams = map[string]string{"connector_id": cfg.ConnectorID}
	}
	return authority, nil
}

// validateRequiredConfig validates required configuration fields.
func validateRequiredConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}

	// SECURITY: Validate issuer URL with SSRF protection (skip for tests)
	if !cfg.skipValidation {
		if err := oidc.ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if err := oidc.ValidateConnectorID(cfg.ConnectorID); err != nil {
		return fmt.Errorf("invalid connector ID: %w", err)
	}

	return nil
}

// createDiscoveryClient creates an OIDC discovery client.
func createDiscoveryClient(skipValidation bool, httpClient *http.Client, logger *slog.Logger) *oidc.DiscoveryClient {
	if skipValidation {
		return oidc.NewTestDiscoveryClient(httpClient, oidc.DefaultDiscoveryTTL, logger)
	}
	return oidc.NewDiscoveryClient(httpClient, oidc.DefaultDiscoveryTTL, logger)
}
