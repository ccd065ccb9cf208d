package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/giantswarm/tokensync/providers"
)

// DefaultScopes are requested from a generic OIDC provider.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// AuthorityConfig configures NewAuthority.
type AuthorityConfig struct {
	// Name labels the authority (default "oidc")
	Name string

	IssuerURL    string
	ClientID     string
	ClientSecret string

	// Scopes default to DefaultScopes
	Scopes []string

	// VerifySignatures enables ID token signature verification against the
	// provider's published keys.
	VerifySignatures bool

	// Discovery is the discovery client to use. Defaults to a new client
	// over HTTPClient.
	Discovery *DiscoveryClient

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewAuthority discovers the issuer's endpoints and assembles an authority
// with a userinfo profile provider and, optionally, a signature verifier.
func NewAuthority(ctx context.Context, cfg AuthorityConfig) (*providers.Authority, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.Name == "" {
		cfg.Name = "oidc"
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(DefaultScopes)
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	discovery := cfg.Discovery
	if discovery == nil {
		discovery = NewDiscoveryClient(cfg.HTTPClient, DefaultDiscoveryTTL, cfg.Logger)
	}
	doc, err := discovery.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}
	if !doc.SupportsS256() {
		return nil, fmt.Errorf("provider %s does not support the S256 code challenge method", cfg.IssuerURL)
	}

	authority := &providers.Authority{
		Name:     cfg.Name,
		Endpoint: doc.Endpoint(),
		Scopes:   scopes,
	}

	if doc.UserInfoEndpoint != "" {
		profile, err := NewUserInfoProvider(UserInfoConfig{
			Name:               cfg.Name,
			Endpoint:           doc.UserInfoEndpoint,
			RevocationEndpoint: doc.RevocationEndpoint,
			ClientID:           cfg.ClientID,
			ClientSecret:       cfg.ClientSecret,
			HTTPClient:         cfg.HTTPClient,
			Logger:             cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		authority.Profile = profile
	}

	if cfg.VerifySignatures {
		// Key fetches outlive the discovery call.
		authority.Verifier = NewIDTokenVerifier(context.WithoutCancel(ctx), doc, cfg.ClientID, cfg.HTTPClient)
	}

	return authority, nil
}
