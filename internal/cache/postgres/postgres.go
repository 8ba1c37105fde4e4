// Package postgres implements the persistent cache tier on PostgreSQL. It is
// the natural choice when the transcript archive already lives in the same
// database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/companion/internal/cache"
)

const ddlResponseCache = `
CREATE TABLE IF NOT EXISTS response_cache (
    fingerprint TEXT         PRIMARY KEY,
    response    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL,
    ttl_ns      BIGINT       NOT NULL DEFAULT 0,
    expires_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_response_cache_expires
    ON response_cache (expires_at);
`

// Store is a [cache.Store] backed by a PostgreSQL table.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ cache.Store = (*Store)(nil)

// New connects to the database at dsn and ensures the cache table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlResponseCache); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: migrate: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Get implements [cache.Store]. Expired rows are filtered out by the query.
func (s *Store) Get(ctx context.Context, fp string) (cache.Entry, bool, error) {
	const q = `
		SELECT response, created_at, ttl_ns
		FROM   response_cache
		WHERE  fingerprint = $1
		  AND  (expires_at IS NULL OR expires_at > $2)`

	var (
		e   cache.Entry
		ttl int64
	)
	err := s.pool.QueryRow(ctx, q, fp, s.now()).Scan(&e.Response, &e.CreatedAt, &ttl)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("postgres cache: get: %w", err)
	}
	e.Fingerprint = fp
	e.TTL = time.Duration(ttl)
	return e, true, nil
}

// Set implements [cache.Store].
func (s *Store) Set(ctx context.Context, e cache.Entry) error {
	const q = `
		INSERT INTO response_cache (fingerprint, response, created_at, ttl_ns, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
		    response   = EXCLUDED.response,
		    created_at = EXCLUDED.created_at,
		    ttl_ns     = EXCLUDED.ttl_ns,
		    expires_at = EXCLUDED.expires_at`

	var expiresAt *time.Time
	if e.TTL > 0 {
		t := e.CreatedAt.Add(e.TTL)
		expiresAt = &t
	}
	if _, err := s.pool.Exec(ctx, q, e.Fingerprint, e.Response, e.CreatedAt, e.TTL.Nanoseconds(), expiresAt); err != nil {
		return fmt.Errorf("postgres cache: set: %w", err)
	}
	return nil
}

// Delete implements [cache.Store].
func (s *Store) Delete(ctx context.Context, fp string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM response_cache WHERE fingerprint = $1`, fp); err != nil {
		return fmt.Errorf("postgres cache: delete: %w", err)
	}
	return nil
}

// Purge removes expired rows and returns how many were deleted.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("postgres cache: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [cache.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [cache.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
