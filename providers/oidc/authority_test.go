package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discoveryServer(t *testing.T, doc DiscoveryDocument) *httptest.Server {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewAuthority(t *testing.T) {
	doc := DiscoveryDocument{
		Issuer:                "https://idp.example.com",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
		UserInfoEndpoint:      "https://idp.example.com/userinfo",
		RevocationEndpoint:    "https://idp.example.com/revoke",
		JWKSUri:               "https://idp.example.com/keys",
	}
	server := discoveryServer(t, doc)

	authority, err := NewAuthority(context.Background(), AuthorityConfig{
		IssuerURL:        server.URL,
		ClientID:         "cli",
		VerifySignatures: true,
		Discovery:        newTestClient(server.Client(), time.Hour),
		HTTPClient:       server.Client(),
	})
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}

	if authority.Name != "oidc" {
		t.Errorf("Name = %q, want oidc", authority.Name)
	}
	if authority.Endpoint.AuthURL != doc.AuthorizationEndpoint || authority.Endpoint.TokenURL != doc.TokenEndpoint {
		t.Errorf("Endpoint = %+v", authority.Endpoint)
	}
	if strings.Join(authority.Scopes, " ") != strings.Join(DefaultScopes, " ") {
		t.Errorf("Scopes = %v, want %v", authority.Scopes, DefaultScopes)
	}
	if authority.Profile == nil {
		t.Fatal("Profile should be set when the document has a userinfo endpoint")
	}
	if authority.Revoker() == nil {
		t.Error("userinfo provider should double as revoker")
	}
	if authority.Verifier == nil {
		t.Error("Verifier should be set when VerifySignatures is enabled")
	}

	authority.Scopes[0] = "mutated"
	if DefaultScopes[0] != "openid" {
		t.Error("DefaultScopes must not be shared with the authority")
	}
}

func TestNewAuthority_Errors(t *testing.T) {
	plainOnly := DiscoveryDocument{
		Issuer:                        "https://idp.example.com",
		AuthorizationEndpoint:         "https://idp.example.com/authorize",
		TokenEndpoint:                 "https://idp.example.com/token",
		JWKSUri:                       "https://idp.example.com/keys",
		CodeChallengeMethodsSupported: []string{"plain"},
	}
	server := discoveryServer(t, plainOnly)

	tests := []struct {
		name   string
		cfg    AuthorityConfig
		errMsg string
	}{
		{"missing issuer", AuthorityConfig{ClientID: "cli"}, "issuer URL is required"},
		{"missing client", AuthorityConfig{IssuerURL: server.URL}, "client ID is required"},
		{"invalid scopes", AuthorityConfig{IssuerURL: server.URL, ClientID: "cli", Scopes: []string{""}}, "invalid scopes"},
		{"SSRF issuer", AuthorityConfig{IssuerURL: "https://10.0.0.1", ClientID: "cli"}, "private IP"},
		{
			"no S256",
			AuthorityConfig{IssuerURL: server.URL, ClientID: "cli", Discovery: newTestClient(server.Client(), time.Hour)},
			"S256",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthority(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("NewAuthority() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewAuthority() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}
