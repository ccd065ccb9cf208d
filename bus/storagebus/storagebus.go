// Package storagebus is the storage-event fallback bus. A message is written
// to a sentinel key and deleted again at once; every context watching the
// shared store decodes the write notification.
package storagebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/tokensync/bus"
	"github.com/giantswarm/tokensync/storage"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "tokensync."

// Bus publishes through a storage.Watchable.
type Bus struct {
	kv         storage.Watchable
	key        string
	logger     *slog.Logger
	dispatcher *bus.Dispatcher

	mu          sync.Mutex
	cancelWatch func()
	closed      bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates a fallback bus over kv. The sentinel key is
// <prefix>sync.sentinel.
func New(kv storage.Watchable, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		kv:         kv,
		key:        prefix + "sync.sentinel",
		logger:     logger,
		dispatcher: bus.NewDispatcher(0, logger),
	}
}

// SentinelKey returns the key messages are written to.
func (b *Bus) SentinelKey() string {
	return b.key
}

// Publish writes m to the sentinel key and removes it.
func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := b.kv.Set(ctx, b.key, string(data), 0); err != nil {
		return fmt.Errorf("failed to write sentinel: %w", err)
	}
	if err := b.kv.Delete(ctx, b.key); err != nil {
		return fmt.Errorf("failed to clear sentinel: %w", err)
	}
	return nil
}

// Subscribe registers h. The store is watched from the first subscription
// until Close.
func (b *Bus) Subscribe(h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if b.cancelWatch == nil {
		b.cancelWatch = b.kv.Watch(b.onChange)
	}
	return b.dispatcher.Add(h), nil
}

func (b *Bus) onChange(c storage.Change) {
	if c.Key != b.key || c.Kind != storage.ChangeSet {
		return
	}
	m, err := bus.Decode([]byte(c.Value))
	if err != nil {
		b.logger.Debug("Ignoring undecodable sentinel write", "error", err)
		return
	}
	b.dispatcher.Deliver(m)
}

// Close stops watching the store.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancelWatch
	b.cancelWatch = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.dispatcher.Close()
	return nil
}
