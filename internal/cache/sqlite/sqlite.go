// Package sqlite implements the persistent cache tier on a local SQLite file
// using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/companion/internal/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    fingerprint TEXT    PRIMARY KEY,
    response    TEXT    NOT NULL,
    created_at  INTEGER NOT NULL,
    ttl_ns      INTEGER NOT NULL DEFAULT 0,
    expires_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries (expires_at);
`

// Store is a [cache.Store] backed by a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ cache.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps the pragmas below in
	// effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite cache: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite cache: migrate: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Get implements [cache.Store]. Expired rows are deleted on sight.
func (s *Store) Get(ctx context.Context, fp string) (cache.Entry, bool, error) {
	var (
		e         cache.Entry
		createdAt int64
		ttl       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT response, created_at, ttl_ns FROM cache_entries WHERE fingerprint = ?`, fp,
	).Scan(&e.Response, &createdAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("sqlite cache: get: %w", err)
	}

	e.Fingerprint = fp
	e.CreatedAt = time.Unix(0, createdAt)
	e.TTL = time.Duration(ttl)
	if e.Expired(s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp); err != nil {
			return cache.Entry{}, false, fmt.Errorf("sqlite cache: drop expired: %w", err)
		}
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements [cache.Store].
func (s *Store) Set(ctx context.Context, e cache.Entry) error {
	var expiresAt sql.NullInt64
	if e.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: e.CreatedAt.Add(e.TTL).UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, response, created_at, ttl_ns, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
		    response   = excluded.response,
		    created_at = excluded.created_at,
		    ttl_ns     = excluded.ttl_ns,
		    expires_at = excluded.expires_at`,
		e.Fingerprint, e.Response, e.CreatedAt.UnixNano(), int64(e.TTL), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite cache: set: %w", err)
	}
	return nil
}

// Delete implements [cache.Store].
func (s *Store) Delete(ctx context.Context, fp string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp); err != nil {
		return fmt.Errorf("sqlite cache: delete: %w", err)
	}
	return nil
}

// Purge removes every expired row and returns how many were deleted.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite cache: purge: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements [cache.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [cache.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
