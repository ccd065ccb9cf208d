package security

// Event type constants for security audit logging.
// These constants keep event names consistent across packages.
const (
	// Credential lifecycle events

	// EventCredentialsAcquired is logged when an interactive flow yields credentials
	EventCredentialsAcquired = "credentials_acquired"

	// EventCredentialsRefreshed is logged when a refresh exchange succeeds
	EventCredentialsRefreshed = "credentials_refreshed"

	// EventCredentialsAdopted is logged when credentials refreshed by a sibling
	// context are applied locally
	EventCredentialsAdopted = "credentials_adopted"

	// EventRefreshRejected is logged when the provider rejects a refresh credential
	EventRefreshRejected = "refresh_rejected"

	// EventBackgroundRefreshFailed is logged when a scheduled refresh fails
	EventBackgroundRefreshFailed = "background_refresh_failed"

	// EventCredentialsCleared is logged when the credential cache is wiped on logout
	EventCredentialsCleared = "credentials_cleared" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Credential store events

	// EventLegacyEntryMigrated is logged when a plaintext cache entry is re-written encrypted
	EventLegacyEntryMigrated = "legacy_entry_migrated"

	// EventPersistenceDegraded is logged when the store falls back to memory
	EventPersistenceDegraded = "persistence_degraded"

	// EventDecryptionFailed is logged when an encrypted entry cannot be decrypted
	EventDecryptionFailed = "decryption_failed"

	// Interactive flow events

	// EventFlowStarted is logged when a popup or redirect flow starts
	EventFlowStarted = "flow_started"

	// EventStateMismatch is logged when the echoed state does not match the
	// pending request, or no request is pending
	EventStateMismatch = "state_mismatch"

	// EventNonceMismatch is logged when the ID token nonce does not match
	EventNonceMismatch = "nonce_mismatch"

	// EventProviderCallbackError is logged when the provider reports an error in the callback
	EventProviderCallbackError = "provider_callback_error"

	// Session events

	// EventSessionStarted is logged when a session is created
	EventSessionStarted = "session_started"

	// EventSessionEnded is logged when a session is terminated by logout or a sibling
	EventSessionEnded = "session_ended"

	// EventSessionExpired is logged when a sweep expires a session
	EventSessionExpired = "session_expired"

	// EventDomainRejected is logged when a session's origin domain is not allowed
	EventDomainRejected = "domain_rejected"
)
