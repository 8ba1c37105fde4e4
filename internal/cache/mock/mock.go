// Package mock provides an in-memory test double for cache.Store with call
// recording and injectable failures.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/companion/internal/cache"
)

// Store is a mock implementation of cache.Store backed by a map.
// Zero value is ready to use.
type Store struct {
	mu      sync.Mutex
	entries map[string]cache.Entry

	// GetErr, if non-nil, is returned by Get.
	GetErr error

	// SetErr, if non-nil, is returned by Set and the entry is not stored.
	SetErr error

	// SetFunc, if set, runs before Set stores the entry. A non-nil return
	// value aborts the write. Useful to block until the write timeout fires.
	SetFunc func(ctx context.Context, e cache.Entry) error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// --- Call records ---

	GetCalls    []string
	SetCalls    []cache.Entry
	DeleteCalls []string
	Closed      bool
}

var _ cache.Store = (*Store)(nil)

// Put seeds an entry without recording a call.
func (s *Store) Put(e cache.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]cache.Entry)
	}
	s.entries[e.Fingerprint] = e
}

// Get implements cache.Store. It does not check expiry so callers' own
// checks can be exercised.
func (s *Store) Get(_ context.Context, fp string) (cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, fp)
	if s.GetErr != nil {
		return cache.Entry{}, false, s.GetErr
	}
	e, ok := s.entries[fp]
	return e, ok, nil
}

// Set implements cache.Store.
func (s *Store) Set(ctx context.Context, e cache.Entry) error {
	s.mu.Lock()
	s.SetCalls = append(s.SetCalls, e)
	fn, setErr := s.SetFunc, s.SetErr
	s.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, e); err != nil {
			return err
		}
	}
	if setErr != nil {
		return setErr
	}
	s.Put(e)
	return nil
}

// Delete implements cache.Store.
func (s *Store) Delete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, fp)
	delete(s.entries, fp)
	return nil
}

// Ping implements cache.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close implements cache.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SetCount returns the number of Set calls. Thread-safe.
func (s *Store) SetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SetCalls)
}
