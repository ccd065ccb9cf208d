// Package file provides a storage.KV that keeps one file per key in a private
// directory. Several processes of the same user can share a directory; writes
// are atomic renames, so readers never observe a partial value.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/storage"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
	fileExt  = ".json"
)

// record is the on-disk layout of one entry.
type record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Store is a directory-backed storage.KV.
type Store struct {
	dir    string
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to restrict storage directory: %w", err)
	}
	return &Store{dir: dir, clock: clock.New(), logger: slog.Default()}, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for TTL checks.
func (s *Store) SetClock(c clock.Clock) {
	s.clock = clock.OrReal(c)
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileExt)
}

func (s *Store) read(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &rec, nil
}

func (s *Store) expired(rec *record) bool {
	return !rec.ExpiresAt.IsZero() && !s.clock.Now().Before(rec.ExpiresAt)
}

// Get returns the value under key, or storage.ErrNotFound. Expired entries
// are removed on read.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := s.path(key)
	rec, err := s.read(path)
	if err != nil {
		return "", err
	}
	if rec.Key != key {
		return "", fmt.Errorf("entry key mismatch for %s", filepath.Base(path))
	}
	if s.expired(rec) {
		_ = os.Remove(path)
		return "", storage.ErrNotFound
	}
	return rec.Value, nil
}

// Set atomically writes value under key.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	rec := record{Key: key, Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.clock.Now().Add(ttl).UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close entry: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Keys lists live keys starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	keys := make([]string, 0)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			if !storage.IsNotFound(err) {
				s.logger.Warn("Skipping unreadable storage entry", "file", e.Name(), "error", err)
			}
			continue
		}
		if strings.HasPrefix(rec.Key, prefix) && !s.expired(rec) {
			keys = append(keys, rec.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
