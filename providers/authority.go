package providers

import (
	"context"
	"maps"
	"slices"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokensync/credential"
)

// IDTokenVerifier verifies an ID token signature and returns its claims.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*credential.IDClaims, error)
}

// Authority describes an identity provider to a client: where to send the
// user, what to ask for, and how to look up the user afterwards.
type Authority struct {
	// Name labels metrics and logs
	Name string

	// Endpoint holds the authorization and token endpoints
	Endpoint oauth2.Endpoint

	// Scopes are requested when a request names none
	Scopes []string

	// AuthParams are added to every authorization request
	AuthParams map[string]string

	// Profile fetches the user profile (optional). When it also implements
	// Revoker, refresh tokens are revoked on logout.
	Profile ProfileProvider

	// Verifier checks ID token signatures (optional)
	Verifier IDTokenVerifier
}

// Clone returns a deep copy of a.
func (a *Authority) Clone() *Authority {
	if a == nil {
		return nil
	}
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	c.AuthParams = maps.Clone(a.AuthParams)
	return &c
}

// Revoker returns the profile provider as a Revoker, or nil.
func (a *Authority) Revoker() Revoker {
	if a == nil {
		return nil
	}
	r, _ := a.Profile.(Revoker)
	return r
}
