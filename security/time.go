package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for session
	// expiry checks. It absorbs small clock differences between contexts that
	// share a persisted session record.
	DefaultClockSkewGracePeriod = 5 * time.Second

	// DefaultAssumedLifetime is used when a token response omits expires_in.
	DefaultAssumedLifetime = time.Hour
)

// IsExpiredAt reports whether expiresAt has passed at now by more than grace.
// A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// ExpiresAtFromLifetime converts a relative expires_in (seconds) into an
// absolute time. A non-positive lifetime uses DefaultAssumedLifetime.
func ExpiresAtFromLifetime(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return now.Add(DefaultAssumedLifetime)
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
