package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/tokensync/providers"
	"github.com/giantswarm/tokensync/providers/oidc"
)

var (
	_ providers.ProfileProvider = (*Provider)(nil)
	_ providers.Revoker         = (*Provider)(nil)
)

// providerName is the name returned by Provider.Name().
const providerName = "github"

// DefaultAPIBaseURL is the GitHub REST API root.
const DefaultAPIBaseURL = "https://api.github.com"

// ErrOrganizationRequired is returned when a user is not a member of any allowed organization.
var ErrOrganizationRequired = errors.New("user is not a member of any allowed organization")

// Provider fetches GitHub profiles. Organization logins are reported as
// groups when the token carries read:org.
type Provider struct {
	apiBaseURL           string
	scopes               []string
	httpClient           *http.Client
	requestTimeout       time.Duration
	allowedOrganizations []string
	requireVerifiedEmail bool
}

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// Scopes are optional custom scopes (defaults to ["user:email", "read:user"]).
	Scopes []string

	// RequireVerifiedEmail requires the user's email to be verified (default: true).
	RequireVerifiedEmail *bool

	// AllowedOrganizations restricts profiles to members of specific organizations.
	// When set, the "read:org" scope is automatically added if not present.
	AllowedOrganizations []string

	// APIBaseURL overrides the REST API root (GitHub Enterprise).
	APIBaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 30s).
	RequestTimeout time.Duration
}

// NewProvider creates a new GitHub profile provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}

	// If organizations are restricted, ensure read:org scope is present
	if len(cfg.AllowedOrganizations) > 0 && !slices.Contains(scopes, "read:org") {
		scopes = append(scopes, "read:org")
	}

	// SECURITY: Validate scopes
	if err := oidc.ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	allowedOrgs := slices.Clone(cfg.AllowedOrganizations)
	for _, org := range allowedOrgs {
		if org == "" {
			return nil, fmt.Errorf("organization name cannot be empty")
		}
		// GitHub org names: 1-39 chars
		if len(org) > 39 {
			return nil, fmt.Errorf("organization name %q exceeds maximum length of 39 characters", org)
		}
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
		}
	}

	apiBaseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}

	requireVerifiedEmail := true
	if cfg.RequireVerifiedEmail != nil {
		requireVerifiedEmail = *cfg.RequireVerifiedEmail
	}

	return &Provider{
		apiBaseURL:           apiBaseURL,
		scopes:               scopes,
		httpClient:           httpClient,
		requestTimeout:       requestTimeout,
		allowedOrganizations: allowedOrgs,
		requireVerifiedEmail: requireVerifiedEmail,
	}, nil
}

// NewAuthority returns a GitHub OAuth App authority. GitHub issues no ID
// tokens, so the authority has no verifier.
func NewAuthority(cfg *Config) (*providers.Authority, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &providers.Authority{
		Name:     providerName,
		Endpoint: oauthgithub.Endpoint,
		Scopes:   p.DefaultScopes(),
		Profile:  p,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// DefaultScopes returns a copy of the configured scopes.
func (p *Provider) DefaultScopes() []string {
	return slices.Clone(p.scopes)
}

// ensureContextTimeout adds the request timeout unless ctx already has a deadline.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// FetchProfile retrieves the user, falling back to /user/emails for private
// addresses, and validates organization membership when required.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string, scopes []string) (*providers.UserInfo, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	userInfo, err := p.fetchUserInfo(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	if userInfo.Email == "" {
		email, verified, emailErr := p.fetchPrimaryEmail(ctx, accessToken)
		if emailErr == nil && email != "" {
			userInfo.Email = email
			userInfo.EmailVerified = verified
		}
	}

	if len(p.allowedOrganizations) == 0 && !providers.HasScope(scopes, "read:org") {
		return userInfo, nil
	}

	orgs, err := p.fetchUserOrganizations(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch organizations: %w", err)
	}
	if err := oidc.ValidateGroups(orgs); err != nil {
		return nil, fmt.Errorf("invalid organizations: %w", err)
	}
	if len(p.allowedOrganizations) > 0 && !p.memberOfAllowed(orgs) {
		return nil, ErrOrganizationRequired
	}
	userInfo.Groups = orgs

	return userInfo, nil
}

// fetchUserInfo fetches user information from GitHub's /user endpoint.
func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := providers.GetJSON(ctx, p.httpClient, p.apiBaseURL+"/user", accessToken, "user info request", &ghUser); err != nil {
		return nil, err
	}

	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}
	return &providers.UserInfo{
		ID:            strconv.FormatInt(ghUser.ID, 10),
		Email:         ghUser.Email,
		EmailVerified: ghUser.Email != "", // public emails are verified by GitHub
		Name:          name,
		Picture:       ghUser.AvatarURL,
	}, nil
}

// fetchPrimaryEmail fetches the user's verified primary email from /user/emails.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := providers.GetJSON(ctx, p.httpClient, p.apiBaseURL+"/user/emails", accessToken, "emails request", &emails); err != nil {
		return "", false, err
	}

	for _, email := range emails {
		if email.Primary && (email.Verified || !p.requireVerifiedEmail) {
			return email.Email, email.Verified, nil
		}
	}
	for _, email := range emails {
		if email.Verified || !p.requireVerifiedEmail {
			return email.Email, email.Verified, nil
		}
	}
	return "", false, nil
}

// fetchUserOrganizations fetches all organization logins for the user.
func (p *Provider) fetchUserOrganizations(ctx context.Context, accessToken string) ([]string, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := providers.GetJSON(ctx, p.httpClient, p.apiBaseURL+"/user/orgs", accessToken, "orgs request", &orgs); err != nil {
		return nil, err
	}

	result := make([]string, len(orgs))
	for i, org := range orgs {
		result[i] = org.Login
	}
	return result, nil
}

// memberOfAllowed reports whether any org is allowed (case-insensitive).
func (p *Provider) memberOfAllowed(orgs []string) bool {
	for _, org := range orgs {
		for _, allowedOrg := range p.allowedOrganizations {
			if strings.EqualFold(org, allowedOrg) {
				return true
			}
		}
	}
	return false
}

// RevokeToken is a no-op: OAuth App tokens can only be revoked with the
// client secret through the applications API, or by the user in their
// GitHub settings.
func (p *Provider) RevokeToken(_ context.Context, _ string) error {
	return nil
}
