package dex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giantswarm/tokensync/providers"
)

// Helper function to create test config for a given server
func testConfig(server *httptest.Server, options ...func(*Config)) *Config {
	cfg := &Config{
		IssuerURL:      server.URL,
		ClientID:       "test-client",
		HTTPClient:     server.Client(), // Use test server's HTTP client (trusts test TLS cert)
		skipValidation: true,            // Skip SSRF validation for test servers on localhost
	}

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

type dexUserInfo struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	Groups        []string `json:"groups"`
}

// setupMockDexServer creates a mock Dex server with discovery and userinfo endpoints.
func setupMockDexServer(t *testing.T, userInfo *dexUserInfo) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                           server.URL,
			"authorization_endpoint":           server.URL + "/auth",
			"token_endpoint":                   server.URL + "/token",
			"userinfo_endpoint":                server.URL + "/userinfo",
			"jwks_uri":                         server.URL + "/keys",
			"response_types_supported":         []string{"code"},
			"code_challenge_methods_supported": []string{"S256"},
		})
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userInfo)
	})

	return server
}

func TestNewAuthority(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123"})

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	if authority.Name != "dex" {
		t.Errorf("Name = %q, want dex", authority.Name)
	}
	if authority.Endpoint.AuthURL != server.URL+"/auth" {
		t.Errorf("AuthURL = %q", authority.Endpoint.AuthURL)
	}
	if authority.Endpoint.TokenURL != server.URL+"/token" {
		t.Errorf("TokenURL = %q", authority.Endpoint.TokenURL)
	}
	if authority.AuthParams != nil {
		t.Errorf("AuthParams = %v, want nil without connector", authority.AuthParams)
	}
	if authority.Verifier != nil {
		t.Error("Verifier should be nil unless VerifySignatures is set")
	}
}

func TestNewAuthority_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: "config is required",
		},
		{
			name:    "missing client ID",
			cfg:     &Config{IssuerURL: "https://dex.example.com"},
			wantErr: "client ID is required",
		},
		{
			name:    "missing issuer URL",
			cfg:     &Config{ClientID: "test-client"},
			wantErr: "issuer URL is required",
		},
		{
			name:    "HTTP issuer URL",
			cfg:     &Config{ClientID: "test-client", IssuerURL: "http://dex.example.com"},
			wantErr: "must use HTTPS",
		},
		{
			name:    "private IP issuer URL",
			cfg:     &Config{ClientID: "test-client", IssuerURL: "https://192.168.1.1"},
			wantErr: "private IP",
		},
		{
			name:    "invalid connector ID",
			cfg:     &Config{ClientID: "test-client", IssuerURL: "https://dex.example.com", ConnectorID: "github; rm -rf"},
			wantErr: "invalid connector ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthority(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("NewAuthority() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAuthority() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultScopes(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123"})

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	want := []string{"openid", "profile", "email", "groups", "offline_access"}
	if strings.Join(authority.Scopes, " ") != strings.Join(want, " ") {
		t.Errorf("Scopes = %v, want %v", authority.Scopes, want)
	}

	// SECURITY: the defaults must not be shared
	authority.Scopes[0] = "modified"
	if defaultDexScopes[0] != "openid" {
		t.Error("modifying authority scopes changed the package defaults")
	}
}

func TestCustomScopes(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123"})

	custom := []string{"openid", "groups"}
	authority, err := NewAuthority(context.Background(), testConfig(server, func(c *Config) {
		c.Scopes = custom
	}))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	if strings.Join(authority.Scopes, " ") != "openid groups" {
		t.Errorf("Scopes = %v, want %v", authority.Scopes, custom)
	}
}

func TestTooManyScopes(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123"})

	scopes := make([]string, 51)
	for i := range scopes {
		scopes[i] = "scope"
	}
	_, err := NewAuthority(context.Background(), testConfig(server, func(c *Config) {
		c.Scopes = scopes
	}))
	if err == nil {
		t.Fatal("NewAuthority() should reject more than 50 scopes")
	}
	if !strings.Contains(err.Error(), "invalid scopes") {
		t.Errorf("error = %v, want invalid scopes", err)
	}
}

func TestConnectorID(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123"})

	authority, err := NewAuthority(context.Background(), testConfig(server, func(c *Config) {
		c.ConnectorID = "github"
	}))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	if authority.AuthParams["connector_id"] != "github" {
		t.Errorf("AuthParams = %v, want connector_id=github", authority.AuthParams)
	}
}

func TestProfile_Groups(t *testing.T) {
	server := setupMockDexServer(t, &dexUserInfo{
		Sub:           "user123",
		Email:         "user@example.com",
		EmailVerified: true,
		Name:          "Test User",
		Groups:        []string{"developers", "admins"},
	})

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	if authority.Profile.Name() != "dex" {
		t.Errorf("Profile.Name() = %q, want dex", authority.Profile.Name())
	}

	info, err := authority.Profile.FetchProfile(context.Background(), "valid-token", authority.Scopes)
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if info.ID != "user123" || info.Email != "user@example.com" {
		t.Errorf("FetchProfile() = %+v", info)
	}
	if len(info.Groups) != 2 || info.Groups[0] != "developers" {
		t.Errorf("Groups = %v", info.Groups)
	}

	_, err = authority.Profile.FetchProfile(context.Background(), "expired-token", authority.Scopes)
	if !errors.Is(err, providers.ErrUnauthorized) {
		t.Errorf("FetchProfile() error = %v, want ErrUnauthorized", err)
	}
}

func TestProfile_ExcessiveGroups(t *testing.T) {
	groups := make([]string, 101)
	for i := range groups {
		groups[i] = "group"
	}
	server := setupMockDexServer(t, &dexUserInfo{Sub: "user123", Groups: groups})

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	// SECURITY: an oversized groups claim is rejected
	if _, err := authority.Profile.FetchProfile(context.Background(), "valid-token", nil); err == nil {
		t.Error("FetchProfile() should reject more than 100 groups")
	}
}

func TestDiscoveryUnreachable(t *testing.T) {
	server := httptest.NewTLSServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewAuthority(context.Background(), testConfig(server))
	if err == nil {
		t.Fatal("NewAuthority() should fail when discovery fails")
	}
	if !strings.Contains(err.Error(), "discovery") {
		t.Errorf("error = %v, want discovery failure", err)
	}
}
