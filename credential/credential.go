// Package credential holds the data model shared by every lifecycle component:
// credential triples, cache entries, acquisition requests and ID-token claims.
package credential

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultAccountID is the cache-key account used when a request names none.
const DefaultAccountID = "default"

// KeyPrefix starts every cache key.
const KeyPrefix = "credential."

// Set is a credential triple returned by the identity provider.
type Set struct {
	// AccessToken is the bearer credential presented to resource servers
	AccessToken string `json:"access_token"`

	// IDToken is the OIDC identity assertion (JWT), may be empty
	IDToken string `json:"id_token,omitempty"`

	// RefreshToken allows silent renewal. A Set without one cannot be renewed
	// without user interaction.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the absolute expiry of AccessToken
	ExpiresAt time.Time `json:"expires_at"`

	// Scopes are the scopes granted for AccessToken
	Scopes []string `json:"scopes,omitempty"`

	// TokenType is the token type, normally "Bearer"
	TokenType string `json:"token_type,omitempty"`

	// AccountID identifies the account the credentials belong to
	AccountID string `json:"account_id,omitempty"`
}

// CanRefresh reports whether the set carries a refresh credential.
func (s *Set) CanRefresh() bool {
	return s != nil && s.RefreshToken != ""
}

// Expired reports whether the access token has expired at now.
// A zero ExpiresAt never expires.
func (s *Set) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s *Set) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := *s
	c.Scopes = slices.Clone(s.Scopes)
	return &c
}

// Token converts the set to an oauth2.Token. The ID token is carried as the
// "id_token" extra.
func (s *Set) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		Expiry:       s.ExpiresAt,
	}
	extra := map[string]any{}
	if s.IDToken != "" {
		extra["id_token"] = s.IDToken
	}
	if len(s.Scopes) > 0 {
		extra["scope"] = strings.Join(s.Scopes, " ")
	}
	if len(extra) > 0 {
		tok = tok.WithExtra(extra)
	}
	return tok
}

// FromToken builds a Set from an oauth2.Token. requested is used when the
// provider did not echo the granted scopes.
func FromToken(tok *oauth2.Token, requested []string) *Set {
	if tok == nil {
		return nil
	}
	s := &Set{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.TokenType,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		s.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		s.Scopes = strings.Fields(scope)
	} else {
		s.Scopes = slices.Clone(requested)
	}
	return s
}

// CacheEntry is the unit persisted by the credential store.
type CacheEntry struct {
	Credentials *Set      `json:"credentials"`
	AccountID   string    `json:"account_id"`
	Scopes      []string  `json:"scopes"`
	CachedAt    time.Time `json:"cached_at"`
}

// NewCacheEntry wraps a set for storage under its account and scopes.
func NewCacheEntry(set *Set, accountID string, scopes []string, now time.Time) *CacheEntry {
	return &CacheEntry{
		Credentials: set.Clone(),
		AccountID:   accountID,
		Scopes:      NormalizeScopes(scopes),
		CachedAt:    now,
	}
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Credentials = e.Credentials.Clone()
	c.Scopes = slices.Clone(e.Scopes)
	return &c
}

// Request describes a credential acquisition.
type Request struct {
	AccountID    string   `json:"account_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ForceRefresh bool     `json:"-"`
}

// CacheKey returns the cache key for the request.
func (r Request) CacheKey() string {
	return CacheKey(r.AccountID, r.Scopes)
}

// CacheKey derives the cache key for an account and scope set. Scope order,
// duplicates and case do not affect the key.
func CacheKey(accountID string, scopes []string) string {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	return KeyPrefix + accountID + "|" + strings.Join(NormalizeScopes(scopes), " ")
}

// NormalizeScopes case-folds, de-duplicates and sorts scopes. Empty values are
// dropped.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
