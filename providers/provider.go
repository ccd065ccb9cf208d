package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned when the provider rejects the access token.
var ErrUnauthorized = errors.New("providers: access token rejected")

// ProfileProvider fetches profile information with an access token.
type ProfileProvider interface {
	// Name returns the provider name (e.g., "oidc", "dex", "github")
	Name() string

	// FetchProfile returns the profile of the token's subject. scopes are the
	// scopes granted to accessToken; providers may skip calls the scopes do
	// not cover. A rejected token yields an error wrapping ErrUnauthorized.
	FetchProfile(ctx context.Context, accessToken string, scopes []string) (*UserInfo, error)
}

// Revoker is implemented by providers that can revoke tokens.
type Revoker interface {
	RevokeToken(ctx context.Context, token string) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string `json:"id"`

	// Email is the user's email address
	Email string `json:"email,omitempty"`

	// EmailVerified indicates if the email is verified
	EmailVerified bool `json:"email_verified,omitempty"`

	// Name is the user's full name
	Name string `json:"name,omitempty"`

	// GivenName is the user's first name
	GivenName string `json:"given_name,omitempty"`

	// FamilyName is the user's last name
	FamilyName string `json:"family_name,omitempty"`

	// Picture is the URL of the user's profile picture
	Picture string `json:"picture,omitempty"`

	// Locale is the user's preferred locale
	Locale string `json:"locale,omitempty"`

	// Groups are the user's group memberships (Dex groups claim, GitHub
	// organizations)
	Groups []string `json:"groups,omitempty"`
}

// HasScope reports whether scope is among scopes.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// StatusError reports an unexpected HTTP status from a provider API.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Operation, e.StatusCode)
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
