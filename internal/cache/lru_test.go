package cache

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(fp string, ttl time.Duration) Entry {
	return Entry{Fingerprint: fp, Response: "reply-" + fp, CreatedAt: t0, TTL: ttl}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	m := newMemory(2)
	m.put(entry("a", 0))
	m.put(entry("b", 0))

	// Touch a so b becomes the eviction candidate.
	if _, ok := m.get("a", t0); !ok {
		t.Fatal("a missing")
	}
	m.put(entry("c", 0))

	if _, ok := m.get("b", t0); ok {
		t.Error("b should have been evicted")
	}
	for _, fp := range []string{"a", "c"} {
		if _, ok := m.get(fp, t0); !ok {
			t.Errorf("%s missing", fp)
		}
	}
	if m.len() != 2 {
		t.Errorf("len = %d, want 2", m.len())
	}
}

func TestMemory_ExpiresOnRead(t *testing.T) {
	t.Parallel()
	m := newMemory(4)
	m.put(entry("a", time.Minute))

	if _, ok := m.get("a", t0.Add(59*time.Second)); !ok {
		t.Fatal("entry expired early")
	}
	if _, ok := m.get("a", t0.Add(time.Minute)); ok {
		t.Fatal("entry served past its TTL")
	}
	if m.len() != 0 {
		t.Fatalf("expired entry not dropped, len = %d", m.len())
	}
}

func TestMemory_PutReplaces(t *testing.T) {
	t.Parallel()
	m := newMemory(2)
	m.put(entry("a", 0))
	e := entry("a", 0)
	e.Response = "new"
	m.put(e)

	got, ok := m.get("a", t0)
	if !ok || got.Response != "new" {
		t.Fatalf("get = %+v, %v; want replaced entry", got, ok)
	}
	if m.len() != 1 {
		t.Fatalf("len = %d, want 1", m.len())
	}
}

func TestEntry_Expired(t *testing.T) {
	t.Parallel()
	if entry("a", 0).Expired(t0.Add(100 * 365 * 24 * time.Hour)) {
		t.Error("zero TTL must never expire")
	}
	if !entry("a", time.Second).Expired(t0.Add(time.Second)) {
		t.Error("entry must expire exactly at CreatedAt+TTL")
	}
}
