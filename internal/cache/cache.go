// Package cache implements the companion's two-tier response cache.
//
// Replies are keyed by a [Fingerprint] of the persona, the emotion level, the
// recent history and the new message. Lookups check a bounded in-process LRU
// first and a persistent [Store] second; persistent hits are promoted into
// memory. [Cache.Resolve] coalesces concurrent misses for the same
// fingerprint into a single backend call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/companion/internal/observe"
)

// Defaults used when the corresponding option is not supplied.
const (
	DefaultCapacity      = 1024
	DefaultTTL           = 24 * time.Hour
	DefaultWriteTimeout  = 2 * time.Second
	DefaultFlightTimeout = 60 * time.Second
)

// ErrPersist is wrapped by errors from a failed persistent-tier write. The
// memory tier has already been updated when it is returned.
var ErrPersist = errors.New("cache: persistent write failed")

// Entry is a cached reply.
type Entry struct {
	Fingerprint string
	Response    string
	CreatedAt   time.Time

	// TTL is the lifetime of the entry. Zero never expires.
	TTL time.Duration
}

// Expired reports whether e is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// Tier identifies where a reply came from.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierPersistent Tier = "persistent"
	TierBackend    Tier = "backend"
)

// Store is the persistent tier contract. Implementations must be safe for
// concurrent use and must not return entries that are expired.
type Store interface {
	// Get returns the entry for fp. ok is false when there is no live entry.
	Get(ctx context.Context, fp string) (e Entry, ok bool, err error)

	// Set inserts or replaces the entry for e.Fingerprint.
	Set(ctx context.Context, e Entry) error

	// Delete removes the entry for fp. Deleting a missing key is not an error.
	Delete(ctx context.Context, fp string) error

	// Ping verifies the tier is reachable.
	Ping(ctx context.Context) error

	// Close releases the tier's resources.
	Close() error
}

// FillFunc computes a reply on a cache miss.
type FillFunc func(ctx context.Context) (string, error)

// Result is the outcome of [Cache.Resolve].
type Result struct {
	Text   string
	Source Tier

	// Shared is true when the reply was computed by a flight another caller
	// started.
	Shared bool

	// PersistErr holds the persistent-tier write failure of the flight that
	// produced Text, if any. The reply is valid regardless.
	PersistErr error
}

// Option configures a [Cache].
type Option func(*Cache)

// WithStore sets the persistent tier. Without it the cache is memory-only.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithWriteTimeout bounds each persistent-tier write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithFlightTimeout bounds a coalesced fill, independent of any caller.
func WithFlightTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.flightTimeout = d
		}
	}
}

// WithDefaultTTL sets the TTL used when Store or Resolve get a zero TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the two-tier response cache. It is safe for concurrent use.
type Cache struct {
	mem   *memory
	store Store
	group singleflight.Group

	defaultTTL    time.Duration
	writeTimeout  time.Duration
	flightTimeout time.Duration

	now     func() time.Time
	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates a Cache whose memory tier holds at most capacity entries.
func New(capacity int, opts ...Option) *Cache {
	c := &Cache{
		mem:           newMemory(capacity),
		defaultTTL:    DefaultTTL,
		writeTimeout:  DefaultWriteTimeout,
		flightTimeout: DefaultFlightTimeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Lookup returns the cached entry for fp and the tier that served it.
//
// A persistent-tier read error is logged and treated as a miss.
func (c *Cache) Lookup(ctx context.Context, fp string) (Entry, Tier, bool) {
	if e, ok := c.mem.get(fp, c.now()); ok {
		c.metrics.RecordCacheLookup(ctx, string(TierMemory), "hit")
		return e, TierMemory, true
	}
	c.metrics.RecordCacheLookup(ctx, string(TierMemory), "miss")
	if c.store == nil {
		return Entry{}, "", false
	}

	e, ok, err := c.store.Get(ctx, fp)
	switch {
	case err != nil:
		c.metrics.RecordCacheLookup(ctx, string(TierPersistent), "error")
		c.log.WarnContext(ctx, "cache: persistent read failed", "fingerprint", fp, "err", err)
		return Entry{}, "", false
	case !ok || e.Expired(c.now()):
		c.metrics.RecordCacheLookup(ctx, string(TierPersistent), "miss")
		return Entry{}, "", false
	}
	c.metrics.RecordCacheLookup(ctx, string(TierPersistent), "hit")
	c.mem.put(e)
	return e, TierPersistent, true
}

// Store writes a reply through both tiers. The memory write always happens;
// a persistent failure is returned wrapping [ErrPersist].
func (c *Cache) Store(ctx context.Context, fp, text string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := Entry{Fingerprint: fp, Response: text, CreatedAt: c.now(), TTL: ttl}
	c.mem.put(e)
	if c.store == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.store.Set(wctx, e); err != nil {
		c.metrics.CachePersistFailures.Add(ctx, 1)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// flight is the shared value produced by a singleflight call.
type flight struct {
	text       string
	source     Tier
	persistErr error
}

// Resolve returns the cached reply for fp or computes it with fill.
//
// Concurrent callers that miss on the same fingerprint share one call to
// fill. The fill runs detached from every caller's cancellation, bounded by
// the flight timeout, and its result is written through both tiers. Every
// waiter receives the same reply or the same error. A waiter whose ctx ends
// returns ctx.Err() and leaves the flight running.
func (c *Cache) Resolve(ctx context.Context, fp string, ttl time.Duration, fill FillFunc) (Result, error) {
	if e, tier, ok := c.Lookup(ctx, fp); ok {
		return Result{Text: e.Response, Source: tier}, nil
	}

	leader := false
	ch := c.group.DoChan(fp, func() (any, error) {
		leader = true
		// A flight that finished between Lookup and DoChan already filled memory.
		if e, ok := c.mem.get(fp, c.now()); ok {
			return flight{text: e.Response, source: TierMemory}, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		text, err := fill(fctx)
		if err != nil {
			return nil, err
		}
		f := flight{text: text, source: TierBackend}
		if err := c.Store(fctx, fp, text, ttl); err != nil {
			f.persistErr = err
			c.log.WarnContext(ctx, "cache: reply not persisted", "fingerprint", fp, "err", err)
		}
		return f, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		f := r.Val.(flight)
		shared := !leader
		if shared {
			c.metrics.CacheCoalesced.Add(ctx, 1)
		}
		return Result{Text: f.text, Source: f.source, Shared: shared, PersistErr: f.persistErr}, nil
	}
}

// Invalidate removes fp from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fp string) error {
	c.mem.remove(fp)
	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, fp); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", fp, err)
	}
	return nil
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.mem.len()
}

// Ping checks the persistent tier. A memory-only cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Ping(ctx)
}

// Close closes the persistent tier.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
