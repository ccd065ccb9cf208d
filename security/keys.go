package security

import (
	"bytes"
	"fmt"
)

// KeyProvider supplies the master key material for at-rest encryption.
// Implementations must return the same key for their whole lifetime.
type KeyProvider interface {
	Key() ([]byte, error)
}

// EphemeralKeyProvider holds one random key generated at construction. The
// key lives only in memory, so anything it encrypted becomes unreadable once
// the provider is gone.
type EphemeralKeyProvider struct {
	key []byte
}

// NewEphemeralKeyProvider generates a fresh random key.
func NewEphemeralKeyProvider() (*EphemeralKeyProvider, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &EphemeralKeyProvider{key: key}, nil
}

// Key returns a copy of the key
func (p *EphemeralKeyProvider) Key() ([]byte, error) {
	return bytes.Clone(p.key), nil
}

// StaticKeyProvider serves a fixed key, typically loaded from configuration so
// several processes can read the same encrypted cache.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider wraps a 32-byte key.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return &StaticKeyProvider{key: bytes.Clone(key)}, nil
}

// NewStaticKeyProviderFromBase64 decodes a base64 key (see KeyToBase64).
func NewStaticKeyProviderFromBase64(s string) (*StaticKeyProvider, error) {
	key, err := KeyFromBase64(s)
	if err != nil {
		return nil, err
	}
	return &StaticKeyProvider{key: key}, nil
}

// Key returns a copy of the key
func (p *StaticKeyProvider) Key() ([]byte, error) {
	return bytes.Clone(p.key), nil
}

var (
	_ KeyProvider = (*EphemeralKeyProvider)(nil)
	_ KeyProvider = (*StaticKeyProvider)(nil)
)
