package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/storage"
)

const backendName = "memory"

type item struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

type watcher struct {
	id int
	fn func(storage.Change)
}

// Store is an in-memory storage.KV with TTLs and change notifications.
type Store struct {
	mu    sync.RWMutex
	items map[string]item

	watchMu  sync.RWMutex
	watchers []watcher
	nextID   int

	clock clock.Clock

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	sizeAtomic      atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.KV        = (*Store)(nil)
	_ storage.Watchable = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		items:           make(map[string]item),
		clock:           clock.New(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for TTL checks.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock.OrReal(c)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.sizeAtomic.Store(int64(len(s.items)))
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageSizeCallback(backendName, s.sizeAtomic.Load); err != nil {
			logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Get returns the value under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (value string, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get", err, startTime)
	}()

	s.mu.RLock()
	it, ok := s.items[key]
	now := s.clock.Now()
	s.mu.RUnlock()

	if !ok || it.expired(now) {
		return "", storage.ErrNotFound
	}
	return it.value, nil
}

// Set stores value under key. A ttl <= 0 never expires.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "set")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "set", err, startTime)
	}()

	if key == "" {
		err = fmt.Errorf("key cannot be empty")
		return err
	}

	s.mu.Lock()
	it := item{value: value}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = it
	s.sizeAtomic.Store(int64(len(s.items)))
	s.mu.Unlock()

	s.notify(storage.Change{Key: key, Value: value, Kind: storage.ChangeSet})
	return nil
}

// Delete removes key. Watchers are notified only when a live key was removed.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete", err, startTime)
	}()

	s.mu.Lock()
	_, existed := s.items[key]
	delete(s.items, key)
	s.sizeAtomic.Store(int64(len(s.items)))
	s.mu.Unlock()

	if existed {
		s.notify(storage.Change{Key: key, Kind: storage.ChangeDelete})
	}
	return nil
}

// Keys returns the live keys with the given prefix in sorted order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	keys := make([]string, 0)
	for k, it := range s.items {
		if strings.HasPrefix(k, prefix) && !it.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Watch registers fn for every subsequent Set and Delete.
func (s *Store) Watch(fn func(storage.Change)) (cancel func()) {
	s.watchMu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			for i, w := range s.watchers {
				if w.id == id {
					s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(change storage.Change) {
	s.watchMu.RLock()
	watchers := make([]watcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.watchMu.RUnlock()

	for _, w := range watchers {
		w.fn(change)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	now := s.clock.Now()
	var removed []string
	for k, it := range s.items {
		if it.expired(now) {
			delete(s.items, k)
			removed = append(removed, k)
		}
	}
	s.sizeAtomic.Store(int64(len(s.items)))
	logger := s.logger
	s.mu.Unlock()

	if len(removed) > 0 {
		logger.Debug("Cleaned up expired entries", "count", len(removed))
	}
	for _, k := range removed {
		s.notify(storage.Change{Key: k, Kind: storage.ChangeDelete})
	}
}

// startStorageSpan starts a tracing span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageBackend, backendName),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil && !storage.IsNotFound(err) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
