package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/providers/oidc"
)

// IssuerURL is Google's OpenID Connect issuer.
const IssuerURL = "https://accounts.google.com"

// defaultScopes are requested when Config.Scopes is empty. Google grants
// refresh tokens through access_type=offline instead of offline_access.
var defaultScopes = []string{"openid", "email", "profile"}

// Config holds Google OAuth configuration
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// HostedDomain restricts the account chooser to a Workspace domain (hd)
	HostedDomain string

	// VerifySignatures enables ID token signature verification
	VerifySignatures bool

	HTTPClient *http.Client // Optional custom HTTP client
	Logger     *slog.Logger

	// discovery replaces the discovery client in tests
	discovery *oidc.DiscoveryClient
	issuerURL string
}

// NewAuthority returns a Google authority with offline access so that
// refresh tokens are issued.
func NewAuthority(ctx context.Context, cfg *Config) (*providers.Authority, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	issuer := cfg.issuerURL
	if issuer == "" {
		issuer = IssuerURL
	}

	authority, err := oidc.NewAuthority(ctx, oidc.AuthorityConfig{
		Name:             "google",
		IssuerURL:        issuer,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		Scopes:           scopes,
		VerifySignatures: cfg.VerifySignatures,
		Discovery:        cfg.discovery,
		HTTPClient:       httpClient,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	authority.AuthParams = map[string]string{"access_type": "offline"}
	if cfg.HostedDomain != "" {
		authority.AuthParams["hd"] = cfg.HostedDomain
	}
	return authority, nil
}
