package oidc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIssuerURL(t *testing.T) {
	tests := []struct {
		issuer  string
		wantErr string
	}{
		{issuer: "https://login.example.com/realms/dev"},
		{issuer: "https://203.0.113.10:8443"},
		// Hostnames are not resolved.
		{issuer: "https://localhost"},

		{issuer: "http://login.example.com", wantErr: "must use HTTPS"},
		{issuer: "https://", wantErr: "must have a hostname"},
		{issuer: "https://127.0.0.1", wantErr: "loopback"},
		{issuer: "https://[::1]", wantErr: "loopback"},
		{issuer: "https://10.1.2.3", wantErr: "private IP"},
		{issuer: "https://[fd00::1]", wantErr: "private IP"},
		{issuer: "https://169.254.169.254", wantErr: "link-local"},
		{issuer: "https://[fe80::1]", wantErr: "link-local"},
		{issuer: "https://0.0.0.0", wantErr: "unspecified"},
		{issuer: "https://[::]", wantErr: "unspecified"},
	}

	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			err := ValidateIssuerURL(tt.issuer)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateScopes(t *testing.T) {
	tooMany := make([]string, maxScopes+1)
	for i := range tooMany {
		tooMany[i] = "scope"
	}

	tests := []struct {
		name    string
		scopes  []string
		wantErr string
	}{
		{name: "openid set", scopes: []string{"openid", "profile", "offline_access"}},
		{name: "URL scope", scopes: []string{"https://www.googleapis.com/auth/userinfo.email"}},
		{name: "none", scopes: nil},
		{name: "empty scope", scopes: []string{"openid", ""}, wantErr: "index 1 is empty"},
		{name: "space inside scope", scopes: []string{"openid profile"}, wantErr: "contains whitespace"},
		{name: "tab inside scope", scopes: []string{"read:org\t"}, wantErr: "contains whitespace"},
		{name: "too many", scopes: tooMany, wantErr: "exceeds maximum of 50"},
		{name: "too long", scopes: []string{strings.Repeat("s", maxItemLength+1)}, wantErr: "exceeds maximum length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConnectorID(t *testing.T) {
	assert.NoError(t, ValidateConnectorID(""))
	assert.NoError(t, ValidateConnectorID("github_Enterprise-2"))
	assert.NoError(t, ValidateConnectorID(strings.Repeat("a", maxConnectorIDLen)))

	assert.Error(t, ValidateConnectorID("ldap.corp"))
	assert.Error(t, ValidateConnectorID("../admin"))
	assert.Error(t, ValidateConnectorID(strings.Repeat("a", maxConnectorIDLen+1)))
}

func TestValidateGroups(t *testing.T) {
	groups := make([]string, maxGroups)
	for i := range groups {
		groups[i] = "team"
	}
	assert.NoError(t, ValidateGroups(groups))

	assert.Error(t, ValidateGroups(append(groups, "one-more")))
	assert.Error(t, ValidateGroups([]string{strings.Repeat("g", maxItemLength+1)}))
}
