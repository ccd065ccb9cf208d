// Package sessionsync keeps one logical SSO session coherent across every
// context that shares a persistence surface and a message bus.
//
// Each context owns its in-memory Session. Sibling broadcasts are advisory:
// created and updated messages trigger a re-read of the persisted record,
// ended and expired messages clear a matching local session, and activity
// pings only move the local activity watermark. The credential_refreshed
// message is the one fast path whose payload is applied directly.
package sessionsync

import (
	"crypto/rand"
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/giantswarm/tokensync/credential"
)

// Session is the shared record of an authenticated principal.
type Session struct {
	ID           string            `json:"id"`
	Principal    string            `json:"principal"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExpiresAt    time.Time         `json:"expires_at"`
	IsValid      bool              `json:"is_valid"`
	OriginDomain string            `json:"origin_domain,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Expired reports whether s is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Active reports whether s is valid and unexpired at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.IsValid && !s.Expired(now)
}

// touch moves the activity watermark to at and slides the expiry. The
// watermark never moves backwards.
func (s *Session) touch(at time.Time, timeout time.Duration) bool {
	if !at.After(s.LastActivity) {
		return false
	}
	s.LastActivity = at
	s.ExpiresAt = at.Add(timeout)
	return true
}

func newSessionID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

func metadataFor(creds *credential.Set) map[string]string {
	if creds == nil {
		return nil
	}
	md := map[string]string{}
	if creds.AccountID != "" {
		md["account_id"] = creds.AccountID
	}
	if len(creds.Scopes) > 0 {
		md["scopes"] = strings.Join(credential.NormalizeScopes(creds.Scopes), " ")
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func decodeSession(raw string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CredentialsPayload is the body of a credential_refreshed message. Request
// names the cache slot the credentials belong to.
type CredentialsPayload struct {
	Credentials *credential.Set    `json:"credentials"`
	Request     credential.Request `json:"request"`
}

// EventType names an event delivered to OnEvent handlers.
type EventType string

// Event types.
const (
	EventSessionChanged       EventType = "session_changed"
	EventSessionEnded         EventType = "session_ended"
	EventSessionExpired       EventType = "session_expired"
	EventCredentialsRefreshed EventType = "credentials_refreshed"
	EventInteractionRequired  EventType = "interaction_required"
	EventRefreshFailed        EventType = "refresh_failed"
)

// Event is delivered to OnEvent handlers. Session is set for
// session_changed, Credentials and Request for credentials_refreshed, Err
// for interaction_required and refresh_failed.
type Event struct {
	Type        EventType
	Session     *Session
	Credentials *credential.Set
	Request     credential.Request
	Err         error

	// Remote is set when the event was caused by a sibling context
	Remote bool
}

// EventHandler receives events.
type EventHandler func(Event)
