// Package security provides encryption at rest, key management, activity
// gating and audit logging for the token lifecycle components.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Principal string
	SessionID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"principal_hash", hashForLogging(event.Principal),
		"session_id", event.SessionID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLegacyEntryMigrated logs a read-repair of a plaintext cache entry
func (a *Auditor) LogLegacyEntryMigrated(cacheKey string) {
	a.LogEvent(Event{
		Type: EventLegacyEntryMigrated,
		Details: map[string]any{
			"cache_key_hash": hashForLogging(cacheKey),
		},
	})
}

// LogPersistenceDegraded logs a switch to in-memory persistence
func (a *Auditor) LogPersistenceDegraded(operation, reason string) {
	a.LogEvent(Event{
		Type: EventPersistenceDegraded,
		Details: map[string]any{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// LogCredentialsRefreshed logs a successful refresh exchange
func (a *Auditor) LogCredentialsRefreshed(principal string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventCredentialsRefreshed,
		Principal: principal,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogRefreshRejected logs a provider rejection of a refresh credential
func (a *Auditor) LogRefreshRejected(principal, code string) {
	a.LogEvent(Event{
		Type:      EventRefreshRejected,
		Principal: principal,
		Details: map[string]any{
			"error_code": code,
		},
	})
}

// LogStateMismatch logs a redirect or popup correlation failure
func (a *Auditor) LogStateMismatch(flow, reason string) {
	a.LogEvent(Event{
		Type: EventStateMismatch,
		Details: map[string]any{
			"flow":   flow,
			"reason": reason,
		},
	})
}

// LogNonceMismatch logs an ID token whose nonce does not match the request
func (a *Auditor) LogNonceMismatch(principal string) {
	a.LogEvent(Event{
		Type:      EventNonceMismatch,
		Principal: principal,
	})
}

// LogSessionEvent logs a session lifecycle transition
func (a *Auditor) LogSessionEvent(eventType, principal, sessionID, reason string) {
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	a.LogEvent(Event{
		Type:      eventType,
		Principal: principal,
		SessionID: sessionID,
		Details:   details,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
