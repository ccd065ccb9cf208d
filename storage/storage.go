// Package storage defines the key-value persistence surface shared by the
// credential store, the session synchronizer and the redirect flow.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// KV is a string key-value store. Implementations must be safe for concurrent
// use. A durable KV is shared by every context of the same origin; a
// tab-scoped KV is private to one context.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl <= 0 keeps the value until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ChangeKind distinguishes writes from deletions in a Change.
type ChangeKind int

const (
	// ChangeSet is a write of a new value
	ChangeSet ChangeKind = iota
	// ChangeDelete is a removal
	ChangeDelete
)

// String returns the change kind name
func (k ChangeKind) String() string {
	if k == ChangeDelete {
		return "delete"
	}
	return "set"
}

// Change describes one mutation observed through Watch.
type Change struct {
	Key   string
	Value string // empty for ChangeDelete
	Kind  ChangeKind
}

// Watchable is a KV that reports mutations to registered watchers, the way a
// browser raises storage events in sibling tabs.
type Watchable interface {
	KV

	// Watch registers fn for every subsequent mutation. Calls are made after
	// the mutation is visible, outside any store lock. The returned func
	// unregisters fn.
	Watch(fn func(Change)) (cancel func())
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
