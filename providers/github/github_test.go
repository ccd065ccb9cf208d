package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/tokensync/providers"
)

const (
	testAccessToken  = "test-access-token"
	testScopeReadOrg = "read:org"
	testClientID     = "test-client-id"
	testClientSecret = "test-client-secret"
)

// mockGitHubAPI serves /user, /user/emails and /user/orgs.
type mockGitHubAPI struct {
	user   map[string]any
	emails []map[string]any
	orgs   []string

	mu    sync.Mutex
	calls map[string]int
}

func (m *mockGitHubAPI) callCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *mockGitHubAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	m.calls = map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		m.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/user":
			_ = json.NewEncoder(w).Encode(m.user)
		case "/user/emails":
			_ = json.NewEncoder(w).Encode(m.emails)
		case "/user/orgs":
			orgs := make([]map[string]string, len(m.orgs))
			for i, o := range m.orgs {
				orgs[i] = map[string]string{"login": o}
			}
			_ = json.NewEncoder(w).Encode(orgs)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(t *testing.T, server *httptest.Server, mutate ...func(*Config)) *Provider {
	t.Helper()
	cfg := &Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		APIBaseURL:   server.URL,
		HTTPClient:   server.Client(),
	}
	for _, m := range mutate {
		m(cfg)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func octocat() map[string]any {
	return map[string]any{
		"id":         12345678,
		"login":      "octocat",
		"name":       "The Octocat",
		"email":      "octocat@github.com",
		"avatar_url": "https://avatars.githubusercontent.com/u/583231",
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: &Config{ClientID: testClientID, ClientSecret: testClientSecret},
		},
		{
			name: "valid config with custom scopes",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
				Scopes:       []string{"user:email", "read:user", "repo"},
			},
		},
		{
			name:    "missing client ID",
			config:  &Config{ClientSecret: testClientSecret},
			wantErr: true,
			errMsg:  "client ID is required",
		},
		{
			name:    "missing client secret",
			config:  &Config{ClientID: testClientID},
			wantErr: true,
			errMsg:  "client secret is required",
		},
		{
			name: "empty organization name",
			config: &Config{
				ClientID:             testClientID,
				ClientSecret:         testClientSecret,
				AllowedOrganizations: []string{"giantswarm", ""},
			},
			wantErr: true,
			errMsg:  "organization name cannot be empty",
		},
		{
			name: "organization name too long",
			config: &Config{
				ClientID:             testClientID,
				ClientSecret:         testClientSecret,
				AllowedOrganizations: []string{strings.Repeat("a", 40)},
			},
			wantErr: true,
			errMsg:  "exceeds maximum length",
		},
		{
			name: "invalid scope",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
				Scopes:       []string{"user:email", ""},
			},
			wantErr: true,
			errMsg:  "invalid scopes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewProvider() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("NewProvider() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProvider() unexpected error = %v", err)
			}
			if provider.apiBaseURL != DefaultAPIBaseURL {
				t.Errorf("apiBaseURL = %q, want %q", provider.apiBaseURL, DefaultAPIBaseURL)
			}
		})
	}
}

func TestNewProvider_AddReadOrgScope(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:             testClientID,
		ClientSecret:         testClientSecret,
		AllowedOrganizations: []string{"giantswarm"},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if !providers.HasScope(provider.DefaultScopes(), testScopeReadOrg) {
		t.Errorf("scopes = %v, want read:org added", provider.DefaultScopes())
	}
}

func TestNewProvider_ReadOrgScopeNotDuplicated(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:             testClientID,
		ClientSecret:         testClientSecret,
		Scopes:               []string{"user:email", testScopeReadOrg},
		AllowedOrganizations: []string{"giantswarm"},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	count := 0
	for _, s := range provider.DefaultScopes() {
		if s == testScopeReadOrg {
			count++
		}
	}
	if count != 1 {
		t.Errorf("read:org appears %d times, want 1", count)
	}
}

func TestNewProvider_RequireVerifiedEmail(t *testing.T) {
	provider, _ := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret})
	if !provider.requireVerifiedEmail {
		t.Error("requireVerifiedEmail should default to true")
	}

	off := false
	provider, _ = NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret, RequireVerifiedEmail: &off})
	if provider.requireVerifiedEmail {
		t.Error("requireVerifiedEmail should honor explicit false")
	}
}

func TestProvider_DefaultScopes_DeepCopy(t *testing.T) {
	provider, _ := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret})
	scopes := provider.DefaultScopes()
	scopes[0] = "modified"
	if provider.DefaultScopes()[0] == "modified" {
		t.Error("DefaultScopes() must return a copy")
	}
}

func TestNewAuthority(t *testing.T) {
	authority, err := NewAuthority(&Config{ClientID: testClientID, ClientSecret: testClientSecret})
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	if authority.Name != "github" {
		t.Errorf("Name = %q", authority.Name)
	}
	if authority.Endpoint.AuthURL != "https://github.com/login/oauth/authorize" {
		t.Errorf("AuthURL = %q", authority.Endpoint.AuthURL)
	}
	if authority.Verifier != nil {
		t.Error("GitHub authorities have no ID token verifier")
	}
	if authority.Revoker() == nil {
		t.Error("provider should be usable as a revoker")
	}
	if err := authority.Revoker().RevokeToken(context.Background(), "tok"); err != nil {
		t.Errorf("RevokeToken() error = %v", err)
	}
}

func TestProvider_FetchProfile(t *testing.T) {
	api := &mockGitHubAPI{user: octocat()}
	server := api.server(t)
	provider := newTestProvider(t, server)

	userInfo, err := provider.FetchProfile(context.Background(), testAccessToken, []string{"user:email"})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if userInfo.ID != "12345678" {
		t.Errorf("ID = %q, want %q", userInfo.ID, "12345678")
	}
	if userInfo.Email != "octocat@github.com" {
		t.Errorf("Email = %q", userInfo.Email)
	}
	if userInfo.Name != "The Octocat" {
		t.Errorf("Name = %q", userInfo.Name)
	}
	if api.callCount("/user/orgs") != 0 {
		t.Error("organizations should not be fetched without read:org")
	}
}

func TestProvider_FetchProfile_EmailFallback(t *testing.T) {
	user := octocat()
	user["email"] = ""
	api := &mockGitHubAPI{
		user: user,
		emails: []map[string]any{
			{"email": "unverified@example.com", "primary": true, "verified": false},
			{"email": "verified@example.com", "primary": false, "verified": true},
		},
	}
	provider := newTestProvider(t, api.server(t))

	userInfo, err := provider.FetchProfile(context.Background(), testAccessToken, nil)
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if userInfo.Email != "verified@example.com" || !userInfo.EmailVerified {
		t.Errorf("Email = %q verified=%v, want the verified fallback", userInfo.Email, userInfo.EmailVerified)
	}
}

func TestProvider_FetchProfile_Organizations(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		orgs    []string
		wantErr error
	}{
		{"member", []string{"giantswarm"}, []string{"other", "giantswarm"}, nil},
		{"case-insensitive", []string{"GiantSwarm"}, []string{"giantswarm"}, nil},
		{"not a member", []string{"giantswarm"}, []string{"other"}, ErrOrganizationRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockGitHubAPI{user: octocat(), orgs: tt.orgs}
			provider := newTestProvider(t, api.server(t), func(c *Config) {
				c.AllowedOrganizations = tt.allowed
			})

			userInfo, err := provider.FetchProfile(context.Background(), testAccessToken, provider.DefaultScopes())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FetchProfile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchProfile() error = %v", err)
			}
			if strings.Join(userInfo.Groups, ",") != strings.Join(tt.orgs, ",") {
				t.Errorf("Groups = %v, want %v", userInfo.Groups, tt.orgs)
			}
		})
	}
}

func TestProvider_FetchProfile_GroupsWithReadOrg(t *testing.T) {
	api := &mockGitHubAPI{user: octocat(), orgs: []string{"giantswarm"}}
	provider := newTestProvider(t, api.server(t))

	userInfo, err := provider.FetchProfile(context.Background(), testAccessToken, []string{testScopeReadOrg})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if len(userInfo.Groups) != 1 || userInfo.Groups[0] != "giantswarm" {
		t.Errorf("Groups = %v", userInfo.Groups)
	}
}

func TestProvider_FetchProfile_InvalidToken(t *testing.T) {
	api := &mockGitHubAPI{user: octocat()}
	provider := newTestProvider(t, api.server(t))

	_, err := provider.FetchProfile(context.Background(), "invalid-token", nil)
	if !errors.Is(err, providers.ErrUnauthorized) {
		t.Errorf("FetchProfile() error = %v, want ErrUnauthorized", err)
	}
}

func TestProvider_ensureContextTimeout(t *testing.T) {
	provider, _ := NewProvider(&Config{
		ClientID:       testClientID,
		ClientSecret:   testClientSecret,
		RequestTimeout: 5 * time.Second,
	})

	t.Run("adds deadline", func(t *testing.T) {
		ctx, cancel := provider.ensureContextTimeout(context.Background())
		defer cancel()
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline")
		}
		if remaining := time.Until(deadline); remaining > 5*time.Second || remaining < 4*time.Second {
			t.Errorf("remaining = %v, want about 5s", remaining)
		}
	})

	t.Run("keeps existing deadline", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
		defer parentCancel()
		ctx, cancel := provider.ensureContextTimeout(parent)
		defer cancel()
		if ctx != parent {
			t.Error("context with deadline should be returned unchanged")
		}
	})
}
