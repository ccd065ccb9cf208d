// Package credstore persists credential cache entries on a storage.KV with
// transparent AES-256-GCM encryption.
//
// Physical layout, relative to the configured prefix:
//
//	enc.<cacheKey>  encrypted entry (current format)
//	<cacheKey>      legacy plaintext entry, migrated on first read
//
// When the KV is missing or fails, entries are kept in memory instead and the
// store keeps serving them; persistence errors never reach callers.
//
// Contexts that share a KV but not a key overwrite each other's records. Each
// store remembers its own last write per key and serves it while the
// persisted record is one it cannot decrypt.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tokensync/credential"
	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/security"
	"github.com/giantswarm/tokensync/storage"
)

const (
	// DefaultPrefix is the default namespace for every persisted key.
	DefaultPrefix = "tokensync."

	encryptedPrefix = "enc."
)

// ErrInvalidEntry is returned by Put for a nil entry or an entry without credentials.
var ErrInvalidEntry = errors.New("credstore: invalid cache entry")

// Config configures a Store.
type Config struct {
	// KV is the persistence surface. Nil keeps every entry in memory.
	KV storage.KV

	// KeyProvider supplies the encryption key material (required)
	KeyProvider security.KeyProvider

	// Prefix namespaces all keys (default "tokensync.")
	Prefix string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Auditor receives migration and degradation events (optional)
	Auditor *security.Auditor

	// Instrumentation is optional
	Instrumentation *instrumentation.Instrumentation

	// Clock is the time source (default: real time)
	Clock clock.Clock
}

// Store is the credential cache.
type Store struct {
	kv      storage.KV
	enc     *security.Encryptor
	prefix  string
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	clock   clock.Clock

	mu       sync.RWMutex
	memory   map[string]*credential.CacheEntry
	written  map[string]*credential.CacheEntry
	degraded bool
}

// New creates a credential store.
func New(cfg Config) (*Store, error) {
	enc, err := security.NewEncryptorFromProvider(cfg.KeyProvider, security.PurposeCredentialCache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		kv:      cfg.KV,
		enc:     enc,
		prefix:  prefix,
		logger:  logger,
		auditor: cfg.Auditor,
		inst:    cfg.Instrumentation,
		clock:   clock.OrReal(cfg.Clock),
		memory:  make(map[string]*credential.CacheEntry),
		written: make(map[string]*credential.CacheEntry),
	}
	if cfg.Instrumentation != nil {
		s.tracer = cfg.Instrumentation.Tracer("credstore")
	}
	if s.kv == nil {
		s.logger.Debug("Credential store running without persistence")
	}
	return s, nil
}

// EncryptedKey returns the physical key of the encrypted record.
func (s *Store) EncryptedKey(cacheKey string) string {
	return s.prefix + encryptedPrefix + cacheKey
}

// LegacyKey returns the physical key of the legacy plaintext record.
func (s *Store) LegacyKey(cacheKey string) string {
	return s.prefix + cacheKey
}

// Degraded reports whether the last persistence operation failed.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded || s.kv == nil
}

// Get returns the entry cached under key. Encrypted records are preferred;
// a legacy plaintext record is re-written encrypted and removed.
func (s *Store) Get(ctx context.Context, key string) (*credential.CacheEntry, bool) {
	ctx, span := s.startSpan(ctx, "get")
	defer span.End()

	if entry, ok := s.fromMemory(key); ok {
		s.record(ctx, span, "get", "hit")
		return entry, true
	}
	if s.kv == nil {
		s.record(ctx, span, "get", "miss")
		return nil, false
	}

	entry, err := s.readEncrypted(ctx, key)
	switch {
	case err == nil:
		s.recovered()
		s.record(ctx, span, "get", "hit")
		return entry, true
	case isPersistenceError(err):
		s.degrade(ctx, "get", err)
		s.record(ctx, span, "get", "degraded")
		return nil, false
	case !storage.IsNotFound(err):
		if own, ok := s.lastWrite(key); ok {
			s.logger.Debug("Persisted credential entry was written under another key, serving own copy")
			s.record(ctx, span, "get", "hit")
			return own, true
		}
		s.logger.Warn("Discarding unreadable encrypted credential entry", "error", err)
		s.auditor.LogEvent(security.Event{Type: security.EventDecryptionFailed})
	}

	entry, err = s.readLegacy(ctx, key)
	if err != nil {
		if isPersistenceError(err) {
			s.degrade(ctx, "get", err)
			s.record(ctx, span, "get", "degraded")
		} else {
			if !storage.IsNotFound(err) {
				s.logger.Warn("Discarding unreadable legacy credential entry", "error", err)
			}
			s.record(ctx, span, "get", "miss")
		}
		return nil, false
	}

	s.migrate(ctx, key, entry)
	s.record(ctx, span, "get", "migrated")
	return entry.Clone(), true
}

// Put replaces the entry under key. It fails only for invalid input or when
// the entry cannot be serialized; persistence failures degrade to memory.
func (s *Store) Put(ctx context.Context, key string, entry *credential.CacheEntry) error {
	ctx, span := s.startSpan(ctx, "put")
	defer span.End()

	if key == "" || entry == nil || entry.Credentials == nil {
		instrumentation.RecordError(span, ErrInvalidEntry)
		return ErrInvalidEntry
	}
	entry = entry.Clone()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = s.clock.Now()
	}

	sealed, err := s.seal(ctx, entry)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	if s.kv == nil {
		s.toMemory(key, entry)
		s.record(ctx, span, "put", "stored")
		return nil
	}

	if err := s.kv.Set(ctx, s.EncryptedKey(key), sealed, 0); err != nil {
		s.degrade(ctx, "put", err)
		s.toMemory(key, entry)
		s.record(ctx, span, "put", "degraded")
		return nil
	}

	s.recovered()
	s.dropMemory(key)
	s.rememberWrite(key, entry)
	// A plaintext copy must not outlive the encrypted write.
	if err := s.kv.Delete(ctx, s.LegacyKey(key)); err != nil {
		s.logger.Debug("Failed to remove legacy credential entry", "error", err)
	}
	s.record(ctx, span, "put", "stored")
	return nil
}

// Evict removes the entry under key from memory and persistence.
func (s *Store) Evict(ctx context.Context, key string) {
	s.dropMemory(key)
	s.forgetWrite(key)
	if s.kv == nil {
		return
	}
	for _, k := range []string{s.EncryptedKey(key), s.LegacyKey(key)} {
		if err := s.kv.Delete(ctx, k); err != nil {
			s.degrade(ctx, "evict", err)
		}
	}
	s.record(ctx, nil, "evict", "evicted")
}

// Clear removes every credential entry.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.memory = make(map[string]*credential.CacheEntry)
	s.written = make(map[string]*credential.CacheEntry)
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	for _, prefix := range []string{s.EncryptedKey(credential.KeyPrefix), s.LegacyKey(credential.KeyPrefix)} {
		keys, err := s.kv.Keys(ctx, prefix)
		if err != nil {
			s.degrade(ctx, "clear", err)
			continue
		}
		for _, k := range keys {
			if err := s.kv.Delete(ctx, k); err != nil {
				s.degrade(ctx, "clear", err)
			}
		}
	}
	s.record(ctx, nil, "clear", "evicted")
}

// List returns every readable entry, persisted or held in memory.
func (s *Store) List(ctx context.Context) []*credential.CacheEntry {
	seen := make(map[string]bool)
	var out []*credential.CacheEntry

	s.mu.RLock()
	for k, e := range s.memory {
		seen[k] = true
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	if s.kv == nil {
		return out
	}
	for _, prefix := range []string{s.EncryptedKey(""), s.LegacyKey("")} {
		keys, err := s.kv.Keys(ctx, prefix+credential.KeyPrefix)
		if err != nil {
			s.degrade(ctx, "list", err)
			continue
		}
		for _, k := range keys {
			cacheKey := strings.TrimPrefix(k, prefix)
			if seen[cacheKey] {
				continue
			}
			seen[cacheKey] = true
			if e, ok := s.Get(ctx, cacheKey); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func (s *Store) readEncrypted(ctx context.Context, key string) (*credential.CacheEntry, error) {
	raw, err := s.kv.Get(ctx, s.EncryptedKey(key))
	if err != nil {
		return nil, wrapPersistence(err)
	}

	start := time.Now()
	plaintext, err := s.enc.Decrypt(raw)
	s.inst.Metrics().RecordEncryptionOperation(ctx, "decrypt", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return nil, err
	}
	return decodeEntry(plaintext)
}

func (s *Store) readLegacy(ctx context.Context, key string) (*credential.CacheEntry, error) {
	raw, err := s.kv.Get(ctx, s.LegacyKey(key))
	if err != nil {
		return nil, wrapPersistence(err)
	}
	return decodeEntry(raw)
}

// migrate re-writes a legacy entry encrypted and deletes the plaintext copy.
func (s *Store) migrate(ctx context.Context, key string, entry *credential.CacheEntry) {
	sealed, err := s.seal(ctx, entry)
	if err != nil {
		s.logger.Warn("Failed to encrypt legacy credential entry", "error", err)
		return
	}
	if err := s.kv.Set(ctx, s.EncryptedKey(key), sealed, 0); err != nil {
		// The plaintext record stays until a write succeeds.
		s.degrade(ctx, "migrate", err)
		s.toMemory(key, entry)
		return
	}
	s.rememberWrite(key, entry)
	if err := s.kv.Delete(ctx, s.LegacyKey(key)); err != nil {
		s.degrade(ctx, "migrate", err)
		return
	}
	s.logger.Info("Migrated legacy credential entry to encrypted storage")
	s.auditor.LogLegacyEntryMigrated(key)
	s.inst.Metrics().RecordAuditEvent(ctx, security.EventLegacyEntryMigrated)
}

func (s *Store) seal(ctx context.Context, entry *credential.CacheEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	start := time.Now()
	sealed, err := s.enc.Encrypt(string(data))
	s.inst.Metrics().RecordEncryptionOperation(ctx, "encrypt", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt cache entry: %w", err)
	}
	return sealed, nil
}

// decodeEntry accepts a CacheEntry document or, for the oldest legacy
// format, a bare credential set.
func decodeEntry(data string) (*credential.CacheEntry, error) {
	var entry credential.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if entry.Credentials != nil {
		return &entry, nil
	}

	var set credential.Set
	if err := json.Unmarshal([]byte(data), &set); err != nil || set.AccessToken == "" {
		return nil, fmt.Errorf("failed to decode cache entry: no credentials")
	}
	return &credential.CacheEntry{
		Credentials: &set,
		AccountID:   set.AccountID,
		Scopes:      credential.NormalizeScopes(set.Scopes),
	}, nil
}

func (s *Store) fromMemory(key string) (*credential.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.memory[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (s *Store) toMemory(key string, entry *credential.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[key] = entry.Clone()
}

func (s *Store) dropMemory(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memory, key)
}

func (s *Store) lastWrite(key string) (*credential.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.written[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (s *Store) rememberWrite(key string, entry *credential.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[key] = entry.Clone()
}

func (s *Store) forgetWrite(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.written, key)
}

// degrade records a persistence failure. The warning and audit event are
// emitted once per degradation episode.
func (s *Store) degrade(ctx context.Context, operation string, err error) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()

	s.inst.Metrics().RecordCredentialStoreOperation(ctx, operation, "degraded")
	if !first {
		return
	}
	s.logger.Warn("Credential persistence unavailable, keeping entries in memory",
		"operation", operation,
		"error", err)
	s.auditor.LogPersistenceDegraded(operation, err.Error())
	s.inst.Metrics().RecordAuditEvent(ctx, security.EventPersistenceDegraded)
}

func (s *Store) recovered() {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if wasDegraded {
		s.logger.Info("Credential persistence recovered")
	}
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "credstore."+operation)
}

func (s *Store) record(ctx context.Context, span trace.Span, operation, result string) {
	if span != nil {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrCacheResult, result))
	}
	s.inst.Metrics().RecordCredentialStoreOperation(ctx, operation, result)
}

// persistenceError marks a KV failure other than a missing key.
type persistenceError struct{ err error }

func (e *persistenceError) Error() string { return e.err.Error() }
func (e *persistenceError) Unwrap() error { return e.err }

func wrapPersistence(err error) error {
	if err == nil || storage.IsNotFound(err) {
		return err
	}
	return &persistenceError{err: err}
}

func isPersistenceError(err error) bool {
	var pe *persistenceError
	return errors.As(err, &pe)
}
