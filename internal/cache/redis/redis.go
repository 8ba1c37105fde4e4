// Package redis implements the persistent cache tier on Redis (or any server
// speaking its protocol). Entries are stored as JSON under a key prefix and
// expire through Redis' own TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/companion/internal/cache"
)

// DefaultKeyPrefix namespaces cache keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "companion:cache:"

// Config holds the connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a [cache.Store] backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// record is the JSON value stored per key.
type record struct {
	Response  string        `json:"response"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis cache: addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis cache: connect %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewFromClient(client *goredis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix, now: time.Now}
}

func (s *Store) key(fp string) string { return s.prefix + fp }

// Get implements [cache.Store].
func (s *Store) Get(ctx context.Context, fp string) (cache.Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis cache: get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis cache: decode %s: %w", fp, err)
	}
	e := cache.Entry{Fingerprint: fp, Response: rec.Response, CreatedAt: rec.CreatedAt, TTL: rec.TTL}
	if e.Expired(s.now()) {
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements [cache.Store]. The key's Redis TTL is the entry's remaining
// lifetime; entries already past their TTL are deleted instead.
func (s *Store) Set(ctx context.Context, e cache.Entry) error {
	var expiration time.Duration
	if e.TTL > 0 {
		expiration = e.CreatedAt.Add(e.TTL).Sub(s.now())
		if expiration <= 0 {
			return s.Delete(ctx, e.Fingerprint)
		}
	}
	raw, err := json.Marshal(record{Response: e.Response, CreatedAt: e.CreatedAt, TTL: e.TTL})
	if err != nil {
		return fmt.Errorf("redis cache: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(e.Fingerprint), raw, expiration).Err(); err != nil {
		return fmt.Errorf("redis cache: set: %w", err)
	}
	return nil
}

// Delete implements [cache.Store].
func (s *Store) Delete(ctx context.Context, fp string) error {
	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete: %w", err)
	}
	return nil
}

// Ping implements [cache.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements [cache.Store].
func (s *Store) Close() error {
	return s.client.Close()
}
