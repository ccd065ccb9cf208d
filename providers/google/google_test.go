package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/tokensync/providers/oidc"
)

func setupMockGoogle(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                           server.URL,
			"authorization_endpoint":           server.URL + "/o/oauth2/v2/auth",
			"token_endpoint":                   server.URL + "/token",
			"userinfo_endpoint":                server.URL + "/v1/userinfo",
			"revocation_endpoint":              server.URL + "/revoke",
			"jwks_uri":                         server.URL + "/oauth2/v3/certs",
			"code_challenge_methods_supported": []string{"plain", "S256"},
		})
	})
	mux.HandleFunc("/v1/userinfo", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "1234567890",
			"email":          "test@example.com",
			"email_verified": true,
			"name":           "Test User",
			"locale":         "en",
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return server
}

func testConfig(server *httptest.Server) *Config {
	return &Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		HTTPClient:   server.Client(),
		discovery:    oidc.NewTestDiscoveryClient(server.Client(), time.Hour, nil),
		issuerURL:    server.URL,
	}
}

func TestNewAuthority(t *testing.T) {
	server := setupMockGoogle(t)

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	if authority.Name != "google" {
		t.Errorf("Name = %q, want google", authority.Name)
	}
	if authority.Endpoint.AuthURL != server.URL+"/o/oauth2/v2/auth" {
		t.Errorf("AuthURL = %q", authority.Endpoint.AuthURL)
	}
	if strings.Join(authority.Scopes, " ") != "openid email profile" {
		t.Errorf("Scopes = %v", authority.Scopes)
	}
	if authority.AuthParams["access_type"] != "offline" {
		t.Errorf("AuthParams = %v, want access_type=offline", authority.AuthParams)
	}
	if _, ok := authority.AuthParams["hd"]; ok {
		t.Error("hd should only be set with a hosted domain")
	}
}

func TestNewAuthority_HostedDomain(t *testing.T) {
	server := setupMockGoogle(t)
	cfg := testConfig(server)
	cfg.HostedDomain = "example.com"

	authority, err := NewAuthority(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	if authority.AuthParams["hd"] != "example.com" {
		t.Errorf("AuthParams = %v, want hd=example.com", authority.AuthParams)
	}
}

func TestNewAuthority_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *Config
		errMsg string
	}{
		{"missing client ID", &Config{ClientSecret: "s"}, "client ID is required"},
		{"missing client secret", &Config{ClientID: "c"}, "client secret is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthority(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewAuthority() error = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

func TestAuthority_ProfileAndRevoke(t *testing.T) {
	server := setupMockGoogle(t)

	authority, err := NewAuthority(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	info, err := authority.Profile.FetchProfile(context.Background(), "access-token", authority.Scopes)
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if info.ID != "1234567890" || info.Email != "test@example.com" || !info.EmailVerified {
		t.Errorf("FetchProfile() = %+v", info)
	}

	revoker := authority.Revoker()
	if revoker == nil {
		t.Fatal("Google authority should support revocation")
	}
	if err := revoker.RevokeToken(context.Background(), "refresh-token"); err != nil {
		t.Errorf("RevokeToken() error = %v", err)
	}
}
