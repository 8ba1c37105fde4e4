package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Record is one archived turn together with the persona and emotion level
// that were active when it was produced.
type Record struct {
	SessionID    string
	Turn         Turn
	PersonaID    string
	EmotionLevel int
}

// SearchOptions narrows an archive search.
type SearchOptions struct {
	// SessionID restricts results to one session. Empty searches all.
	SessionID string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Summary aggregates the archived turns of one session.
type Summary struct {
	Total     int
	User      int
	Assistant int

	// ActiveDays counts distinct UTC dates with at least one turn.
	ActiveDays int

	// First and Last are the timestamps of the oldest and newest turn.
	// Both are zero when Total is zero.
	First time.Time
	Last  time.Time

	// PersonaUsage maps persona id to the number of turns spent on it.
	PersonaUsage map[string]int

	// PeakLevel is the highest emotion level reached.
	PeakLevel int
}

// Summarize aggregates recs, skipping records older than since. A zero
// since includes everything.
func Summarize(recs []Record, since time.Time) Summary {
	sum := Summary{PersonaUsage: make(map[string]int)}
	days := make(map[string]struct{})
	for _, r := range recs {
		ts := r.Turn.Timestamp
		if ts.Before(since) {
			continue
		}
		sum.Total++
		switch r.Turn.Role {
		case RoleUser:
			sum.User++
		case RoleAssistant:
			sum.Assistant++
		}
		days[ts.UTC().Format(time.DateOnly)] = struct{}{}
		if sum.First.IsZero() || ts.Before(sum.First) {
			sum.First = ts
		}
		if ts.After(sum.Last) {
			sum.Last = ts
		}
		sum.PersonaUsage[r.PersonaID]++
		sum.PeakLevel = max(sum.PeakLevel, r.EmotionLevel)
	}
	sum.ActiveDays = len(days)
	return sum
}

// MatchTurns returns the turns whose text contains every word of query,
// ignoring case, oldest first. limit <= 0 returns all matches.
func MatchTurns(turns []Turn, query string, limit int) []Turn {
	words := strings.Fields(strings.ToLower(query))
	out := []Turn{}
	if len(words) == 0 {
		return out
	}
	for _, t := range turns {
		text := strings.ToLower(t.Text)
		matched := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// Archive is the long-term transcript store. Implementations must be safe
// for concurrent use.
type Archive interface {
	// Append stores records in order.
	Append(ctx context.Context, records ...Record) error

	// Recent returns the last limit records of a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)

	// Search runs a full-text query over archived turns, oldest first.
	Search(ctx context.Context, query string, opts SearchOptions) ([]Record, error)

	// Summarize aggregates the records of a session not older than since.
	// A zero since covers the whole session.
	Summarize(ctx context.Context, sessionID string, since time.Time) (Summary, error)

	// Clear removes every record of a session.
	Clear(ctx context.Context, sessionID string) error

	// Ping verifies the archive is reachable.
	Ping(ctx context.Context) error
}

// ArchiveLoader returns a [Loader] that restores the last turns of a session
// from a, along with the persona and level of the newest record.
func ArchiveLoader(a Archive, turns int) Loader {
	return func(ctx context.Context, id string) (State, bool, error) {
		recs, err := a.Recent(ctx, id, turns)
		if err != nil || len(recs) == 0 {
			return State{}, false, err
		}
		last := recs[len(recs)-1]
		st := State{
			SessionID:    id,
			PersonaID:    last.PersonaID,
			EmotionLevel: last.EmotionLevel,
			History:      make([]Turn, 0, len(recs)),
			CreatedAt:    recs[0].Turn.Timestamp,
		}
		for _, r := range recs {
			st.History = append(st.History, r.Turn)
		}
		return st, true, nil
	}
}

// Guard wraps an [Archive] and makes writes and reads non-fatal. Failures
// are logged, reads return empty results and the guard reports itself as
// degraded until the next successful call.
//
// Ping is passed through unchanged so readiness checks still see the outage.
type Guard struct {
	archive  Archive
	log      *slog.Logger
	degraded atomic.Bool
}

var _ Archive = (*Guard)(nil)

// NewGuard wraps a. A nil logger uses slog.Default().
func NewGuard(a Archive, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{archive: a, log: log}
}

// Append implements [Archive]. Errors are logged and swallowed.
func (g *Guard) Append(ctx context.Context, records ...Record) error {
	if err := g.archive.Append(ctx, records...); err != nil {
		g.fail(ctx, "append", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent implements [Archive]. Errors yield an empty result.
func (g *Guard) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	recs, err := g.archive.Recent(ctx, sessionID, limit)
	if err != nil {
		g.fail(ctx, "recent", err, "session_id", sessionID)
		return []Record{}, nil
	}
	g.degraded.Store(false)
	return recs, nil
}

// Search implements [Archive]. Errors yield an empty result.
func (g *Guard) Search(ctx context.Context, query string, opts SearchOptions) ([]Record, error) {
	recs, err := g.archive.Search(ctx, query, opts)
	if err != nil {
		g.fail(ctx, "search", err, "query", query)
		return []Record{}, nil
	}
	g.degraded.Store(false)
	return recs, nil
}

// Summarize implements [Archive]. Errors yield an empty summary.
func (g *Guard) Summarize(ctx context.Context, sessionID string, since time.Time) (Summary, error) {
	sum, err := g.archive.Summarize(ctx, sessionID, since)
	if err != nil {
		g.fail(ctx, "summarize", err, "session_id", sessionID)
		return Summary{PersonaUsage: map[string]int{}}, nil
	}
	g.degraded.Store(false)
	return sum, nil
}

// Clear implements [Archive]. Errors are logged and swallowed.
func (g *Guard) Clear(ctx context.Context, sessionID string) error {
	if err := g.archive.Clear(ctx, sessionID); err != nil {
		g.fail(ctx, "clear", err, "session_id", sessionID)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Ping implements [Archive].
func (g *Guard) Ping(ctx context.Context) error {
	return g.archive.Ping(ctx)
}

// IsDegraded reports whether the most recent archive call failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

func (g *Guard) fail(ctx context.Context, op string, err error, attrs ...any) {
	g.degraded.Store(true)
	g.log.WarnContext(ctx, "session archive: "+op+" failed, continuing without it",
		append(attrs, "err", err)...)
}
