package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedIDToken is returned when an ID token is not a three-part JWT
// with a JSON payload.
var ErrMalformedIDToken = errors.New("malformed id token")

// IDClaims are the identity claims read from an ID token.
type IDClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Nonce    string
	Expiry   time.Time
	Email    string
	Name     string
}

type rawClaims struct {
	Subject  string          `json:"sub"`
	Issuer   string          `json:"iss"`
	Audience json.RawMessage `json:"aud"`
	Nonce    string          `json:"nonce"`
	Expiry   int64           `json:"exp"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
}

// ParseIDClaims decodes the payload of an ID token WITHOUT verifying its
// signature. Use providers/oidc.IDTokenVerifier where the signature matters.
func ParseIDClaims(idToken string) (*IDClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedIDToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIDToken, err)
	}

	var raw rawClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIDToken, err)
	}

	claims := &IDClaims{
		Subject: raw.Subject,
		Issuer:  raw.Issuer,
		Nonce:   raw.Nonce,
		Email:   raw.Email,
		Name:    raw.Name,
	}
	if raw.Expiry > 0 {
		claims.Expiry = time.Unix(raw.Expiry, 0)
	}
	if len(raw.Audience) > 0 {
		var single string
		if err := json.Unmarshal(raw.Audience, &single); err == nil {
			claims.Audience = []string{single}
		} else if err := json.Unmarshal(raw.Audience, &claims.Audience); err != nil {
			return nil, fmt.Errorf("%w: invalid aud claim", ErrMalformedIDToken)
		}
	}
	return claims, nil
}
