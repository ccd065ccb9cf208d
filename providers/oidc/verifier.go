package oidc

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/giantswarm/tokensync/credential"
)

// IDTokenVerifier checks ID token signatures against the provider's keys
// and validates issuer, audience and expiry.
type IDTokenVerifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewIDTokenVerifier returns a verifier that fetches signing keys from the
// document's jwks_uri. ctx bounds the lifetime of background key fetches.
func NewIDTokenVerifier(ctx context.Context, doc *DiscoveryDocument, clientID string, httpClient *http.Client) *IDTokenVerifier {
	if httpClient != nil {
		ctx = gooidc.ClientContext(ctx, httpClient)
	}
	keySet := gooidc.NewRemoteKeySet(ctx, doc.JWKSUri)
	return &IDTokenVerifier{
		verifier: gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{ClientID: clientID}),
	}
}

// NewStaticIDTokenVerifier returns a verifier over a fixed set of public
// keys. now may be nil.
func NewStaticIDTokenVerifier(issuer, clientID string, keys []crypto.PublicKey, now func() time.Time) *IDTokenVerifier {
	keySet := &gooidc.StaticKeySet{PublicKeys: keys}
	return &IDTokenVerifier{
		verifier: gooidc.NewVerifier(issuer, keySet, &gooidc.Config{
			ClientID: clientID,
			Now:      now,
		}),
	}
}

// Verify validates rawIDToken and returns its claims. The nonce is returned
// unchecked.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (*credential.IDClaims, error) {
	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var extra struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	return &credential.IDClaims{
		Subject:  token.Subject,
		Issuer:   token.Issuer,
		Audience: token.Audience,
		Nonce:    token.Nonce,
		Expiry:   token.Expiry,
		Email:    extra.Email,
		Name:     extra.Name,
	}, nil
}
