// Package postgres provides a storage.KV backed by a PostgreSQL table.
//
// Ownership model: the store does NOT own the pgx pool. The caller must close
// it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/tokensync/internal/clock"
	"github.com/giantswarm/tokensync/storage"
)

const (
	defaultSchema = "public"
	defaultTable  = "tokensync_kv"
)

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a storage.KV over one PostgreSQL table.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	clock  clock.Clock
}

var _ storage.KV = (*Store)(nil)

// Option configures the store.
type Option func(*Store) error

// WithSchema sets the schema holding the table (default "public").
func WithSchema(schema string) Option {
	return func(s *Store) error {
		schema = strings.TrimSpace(schema)
		if !isValidPGIdent(schema) {
			return errors.New("postgres store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table name (default "tokensync_kv").
func WithTable(table string) Option {
	return func(s *Store) error {
		table = strings.TrimSpace(table)
		if !isValidPGIdent(table) {
			return errors.New("postgres store: invalid table identifier")
		}
		s.table = table
		return nil
	}
}

// WithClock sets the time source used to compute expiry timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) error {
		s.clock = clock.OrReal(c)
		return nil
	}
}

// New constructs a Postgres-backed KV.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	st := &Store{
		pool:   pool,
		schema: defaultSchema,
		table:  defaultTable,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("postgres store: nil pool")
	}
	return st, nil
}

// Open parses dsn, connects a new pool and returns a store over it together
// with the pool, which the caller must close.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	st, err := New(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// EnsureSchema creates the table and its expiry index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	table := s.ident()
	index := pgx.Identifier{s.table + "_expires_at_idx"}.Sanitize()
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+table+` (
		     key        text PRIMARY KEY,
		     value      text NOT NULL,
		     expires_at timestamptz NULL,
		     updated_at timestamptz NOT NULL DEFAULT now()
		 )`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS `+index+` ON `+table+` (expires_at) WHERE expires_at IS NOT NULL`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Get returns the live value under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.ident()+`
		  WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.clock.Now().UTC(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.clock.Now().Add(ttl).UTC()
		expiresAt = &t
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (key, value, expires_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE
		    SET value = EXCLUDED.value,
		        expires_at = EXCLUDED.expires_at,
		        updated_at = now()`,
		key, value, expiresAt,
	); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.ident()+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Keys lists live keys starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM `+s.ident()+`
		  WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)
		  ORDER BY key`,
		prefix, s.clock.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.ident()+` WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.clock.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
