package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/tokensync/instrumentation"
	"github.com/giantswarm/tokensync/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "tokensync:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxValueSize is the maximum size of a stored value (64KB)
	MaxValueSize = 64 * 1024

	backendName = "valkey"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "tokensync:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation is optional; storage metrics are recorded when set
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed storage.KV.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	owned  bool
}

var _ storage.KV = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewFromClient(client, cfg.KeyPrefix, cfg.Logger)
	s.owned = true
	s.inst = cfg.Instrumentation

	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)

	return s, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of the
// client; Close will not close it.
func NewFromClient(client valkeygo.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Client returns the underlying valkey-go client.
func (s *Store) Client() valkeygo.Client {
	return s.client
}

// Prefix returns the key prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// Close closes the Valkey client connection if this store created it.
func (s *Store) Close() {
	if !s.owned {
		return
	}
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Get returns the value under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			s.record(ctx, "get", nil, start)
			return "", storage.ErrNotFound
		}
		err = fmt.Errorf("failed to get key: %w", err)
		s.record(ctx, "get", err, start)
		return "", err
	}
	s.record(ctx, "get", nil, start)
	return value, nil
}

// Set stores value under key with an optional TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value exceeds maximum allowed size")
	}

	start := time.Now()
	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.prefix + key).Value(value).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.prefix + key).Value(value).Build()
	}
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		err = fmt.Errorf("failed to set key: %w", err)
	}
	s.record(ctx, "set", err, start)
	return err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.client.Do(ctx, s.client.B().Del().Key(s.prefix+key).Build()).Error()
	if err != nil {
		err = fmt.Errorf("failed to delete key: %w", err)
	}
	s.record(ctx, "delete", err, start)
	return err
}

// Keys lists keys (without the store prefix) that start with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.prefix + escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		// SCAN may return duplicates
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, k := range result.Elements {
			seen[strings.TrimPrefix(k, s.prefix)] = struct{}{}
		}
		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) record(ctx context.Context, operation string, err error, start time.Time) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, backendName, operation, result,
		float64(time.Since(start).Microseconds())/1000)
}

// escapeGlob escapes SCAN MATCH metacharacters.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
