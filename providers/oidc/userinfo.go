package oidc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/tokensync/providers"
)

// UserInfoConfig holds configuration for the userinfo profile provider.
type UserInfoConfig struct {
	// Name is reported by Name(). Defaults to "oidc".
	Name string

	// Endpoint is the userinfo endpoint (required).
	Endpoint string

	// RevocationEndpoint enables RevokeToken (RFC 7009) when set.
	RevocationEndpoint string

	// ClientID and ClientSecret authenticate revocation requests. Public
	// clients leave ClientSecret empty.
	ClientID     string
	ClientSecret string

	// HTTPClient is used for requests. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// UserInfoProvider fetches profiles from an OIDC userinfo endpoint.
type UserInfoProvider struct {
	name               string
	endpoint           string
	revocationEndpoint string
	clientID           string
	clientSecret       string
	httpClient         *http.Client
	logger             *slog.Logger
}

// userInfoResponse is the standard claims set plus the Dex groups claim.
type userInfoResponse struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
	Picture       string   `json:"picture"`
	Locale        string   `json:"locale"`
	Groups        []string `json:"groups"`
}

// NewUserInfoProvider creates a profile provider for a userinfo endpoint.
func NewUserInfoProvider(cfg UserInfoConfig) (*UserInfoProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint is required")
	}
	if cfg.Name == "" {
		cfg.Name = "oidc"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &UserInfoProvider{
		name:               cfg.Name,
		endpoint:           cfg.Endpoint,
		revocationEndpoint: cfg.RevocationEndpoint,
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		httpClient:         cfg.HTTPClient,
		logger:             cfg.Logger,
	}, nil
}

// Name returns the provider name.
func (p *UserInfoProvider) Name() string {
	return p.name
}

// FetchProfile calls the userinfo endpoint.
func (p *UserInfoProvider) FetchProfile(ctx context.Context, accessToken string, _ []string) (*providers.UserInfo, error) {
	var resp userInfoResponse
	if err := providers.GetJSON(ctx, p.httpClient, p.endpoint, accessToken, "userinfo", &resp); err != nil {
		return nil, err
	}
	if resp.Subject == "" {
		return nil, fmt.Errorf("userinfo response has no sub claim")
	}
	if err := ValidateGroups(resp.Groups); err != nil {
		return nil, fmt.Errorf("invalid userinfo response: %w", err)
	}

	return &providers.UserInfo{
		ID:            resp.Subject,
		Email:         resp.Email,
		EmailVerified: resp.EmailVerified,
		Name:          resp.Name,
		GivenName:     resp.GivenName,
		FamilyName:    resp.FamilyName,
		Picture:       resp.Picture,
		Locale:        resp.Locale,
		Groups:        resp.Groups,
	}, nil
}

// RevokeToken revokes token at the revocation endpoint. Providers without
// one are a no-op.
func (p *UserInfoProvider) RevokeToken(ctx context.Context, token string) error {
	if p.revocationEndpoint == "" {
		p.logger.Debug("Provider has no revocation endpoint, skipping", "provider", p.name)
		return nil
	}

	form := url.Values{"token": {token}}
	if p.clientSecret == "" {
		form.Set("client_id", p.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.clientID), url.QueryEscape(p.clientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return &providers.StatusError{Operation: "token revocation", StatusCode: resp.StatusCode}
	}
	return nil
}
