package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/companion/internal/cache"
)

func openTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), WithClock(now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	want := cache.Entry{Fingerprint: "fp", Response: "hello", CreatedAt: now, TTL: time.Hour}
	if err := s.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "fp")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Response != want.Response || got.TTL != want.TTL || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}

	want.Response = "updated"
	if err := s.Set(ctx, want); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	got, _, _ = s.Get(ctx, "fp")
	if got.Response != "updated" {
		t.Fatalf("Response = %q, want updated", got.Response)
	}
}

func TestStore_Missing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now)
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("Get = %v, %v; want clean miss", ok, err)
	}
}

func TestStore_ExpiresAtLookup(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := openTestStore(t, func() time.Time { return clock })
	ctx := context.Background()

	if err := s.Set(ctx, cache.Entry{Fingerprint: "fp", Response: "x", CreatedAt: now, TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	clock = now.Add(time.Minute)
	if _, ok, err := s.Get(ctx, "fp"); err != nil || ok {
		t.Fatalf("Get after TTL = %v, %v; want miss", ok, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expired row not deleted, %d rows left", n)
	}
}

func TestStore_PurgeAndDelete(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := openTestStore(t, func() time.Time { return clock })
	ctx := context.Background()

	entries := []cache.Entry{
		{Fingerprint: "short", Response: "a", CreatedAt: now, TTL: time.Second},
		{Fingerprint: "long", Response: "b", CreatedAt: now, TTL: time.Hour},
		{Fingerprint: "forever", Response: "c", CreatedAt: now},
	}
	for _, e := range entries {
		if err := s.Set(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	clock = now.Add(time.Minute)
	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("Purge removed %d rows, want 1", n)
	}

	if err := s.Delete(ctx, "long"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "long"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Fatal("entry without TTL was removed")
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStore_BackingCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	c := cache.New(4, cache.WithStore(s))
	if err := c.Store(ctx, "fp", "persisted", time.Hour); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh process sees the reply through the persistent tier.
	s2, err := Open(ctx, filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	c2 := cache.New(4, cache.WithStore(s2))
	t.Cleanup(func() { _ = c2.Close() })

	e, tier, ok := c2.Lookup(ctx, "fp")
	if !ok || tier != cache.TierPersistent || e.Response != "persisted" {
		t.Fatalf("Lookup = %+v, %s, %v", e, tier, ok)
	}
}
