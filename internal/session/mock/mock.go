// Package mock provides an in-memory test double for session.Archive.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/companion/internal/session"
)

// Archive is an in-memory session.Archive. Search matches case-insensitive
// substrings instead of full-text queries. The zero value is ready to use.
type Archive struct {
	mu      sync.Mutex
	records []session.Record

	// AppendErr, RecentErr, SearchErr, SummarizeErr, ClearErr and PingErr
	// are returned by the corresponding methods when non-nil.
	AppendErr    error
	RecentErr    error
	SearchErr    error
	SummarizeErr error
	ClearErr     error
	PingErr      error

	calls map[string]int
}

var _ session.Archive = (*Archive)(nil)

func (a *Archive) record(method string) {
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[method]++
}

// CallCount returns how many times method was called.
func (a *Archive) CallCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// Records returns a copy of everything stored so far.
func (a *Archive) Records() []session.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Record, len(a.records))
	copy(out, a.records)
	return out
}

// Append implements session.Archive.
func (a *Archive) Append(_ context.Context, records ...session.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Append")
	if a.AppendErr != nil {
		return a.AppendErr
	}
	a.records = append(a.records, records...)
	return nil
}

// Recent implements session.Archive.
func (a *Archive) Recent(_ context.Context, sessionID string, limit int) ([]session.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Recent")
	if a.RecentErr != nil {
		return nil, a.RecentErr
	}
	var out []session.Record
	for _, r := range a.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Search implements session.Archive.
func (a *Archive) Search(_ context.Context, query string, opts session.SearchOptions) ([]session.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Search")
	if a.SearchErr != nil {
		return nil, a.SearchErr
	}
	q := strings.ToLower(query)
	out := []session.Record{}
	for _, r := range a.records {
		if opts.SessionID != "" && r.SessionID != opts.SessionID {
			continue
		}
		if strings.Contains(strings.ToLower(r.Turn.Text), q) {
			out = append(out, r)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
	}
	return out, nil
}

// Summarize implements session.Archive.
func (a *Archive) Summarize(_ context.Context, sessionID string, since time.Time) (session.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Summarize")
	if a.SummarizeErr != nil {
		return session.Summary{}, a.SummarizeErr
	}
	var recs []session.Record
	for _, r := range a.records {
		if r.SessionID == sessionID {
			recs = append(recs, r)
		}
	}
	return session.Summarize(recs, since), nil
}

// Clear implements session.Archive.
func (a *Archive) Clear(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Clear")
	if a.ClearErr != nil {
		return a.ClearErr
	}
	kept := a.records[:0]
	for _, r := range a.records {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	a.records = kept
	return nil
}

// Ping implements session.Archive.
func (a *Archive) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("Ping")
	return a.PingErr
}
