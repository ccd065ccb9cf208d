// Package security provides the security building blocks of tokensync.
//
// # Encryption at rest
//
// Credential cache entries are sealed with AES-256-GCM. The cipher key is not
// configured directly: a KeyProvider supplies master key material and
// NewEncryptorFromProvider derives a purpose-bound key from it with
// HKDF-SHA256.
//
//	provider, err := security.NewEphemeralKeyProvider()
//	enc, err := security.NewEncryptorFromProvider(provider, security.PurposeCredentialCache)
//
// An EphemeralKeyProvider keeps its key in memory only. Contexts that must
// read each other's cache (several CLI processes, for example) share a
// StaticKeyProvider loaded from a base64 key produced by GenerateKey and
// KeyToBase64.
//
// # Activity gating
//
// ActivityGate admits at most one activity signal per session per window
// (token bucket, burst 1) so that user activity produces a bounded number of
// persisted writes and broadcasts.
//
// # Audit logging
//
// Auditor writes "security_audit" records. Principals and cache keys are
// logged as truncated SHA-256 hashes. Event type names live in events.go.
package security
