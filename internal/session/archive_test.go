package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/internal/session/mock"
)

func TestArchiveLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := &mock.Archive{}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, text := range []string{"a", "b", "c", "d"} {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		_ = a.Append(ctx, session.Record{
			SessionID:    "s1",
			Turn:         session.Turn{Role: role, Text: text, Timestamp: base.Add(time.Duration(i) * time.Minute)},
			PersonaID:    "sweet",
			EmotionLevel: i,
		})
	}

	st, ok, err := session.ArchiveLoader(a, 3)(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("loader = %v, %v", ok, err)
	}
	if len(st.History) != 3 || st.History[0].Text != "b" || st.History[2].Text != "d" {
		t.Fatalf("History = %+v, want [b c d]", st.History)
	}
	if st.PersonaID != "sweet" || st.EmotionLevel != 3 {
		t.Fatalf("persona/level = %s/%d, want sweet/3", st.PersonaID, st.EmotionLevel)
	}

	if _, ok, _ := session.ArchiveLoader(a, 3)(ctx, "other"); ok {
		t.Fatal("loader reported data for an unknown session")
	}
}

func TestStore_HydratesFromArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := &mock.Archive{}
	_ = a.Append(ctx, session.Record{
		SessionID: "s1",
		Turn:      session.Turn{Role: session.RoleUser, Text: "remember me", Timestamp: time.Now()},
		PersonaID: "devoted", EmotionLevel: 4,
	})

	s := session.NewStore(session.WithDefaultPersona("gentle"), session.WithLoader(session.ArchiveLoader(a, 10)))
	st, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.PersonaID != "devoted" || st.EmotionLevel != 4 || len(st.History) != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestGuard_SwallowsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	errDown := errors.New("archive down")
	a := &mock.Archive{AppendErr: errDown, RecentErr: errDown, SearchErr: errDown, SummarizeErr: errDown, ClearErr: errDown, PingErr: errDown}
	g := session.NewGuard(a, nil)

	if err := g.Append(ctx, session.Record{SessionID: "s1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !g.IsDegraded() {
		t.Fatal("guard not degraded after a failed append")
	}
	recs, err := g.Recent(ctx, "s1", 5)
	if err != nil || recs == nil || len(recs) != 0 {
		t.Fatalf("Recent = %v, %v; want empty, nil", recs, err)
	}
	recs, err = g.Search(ctx, "x", session.SearchOptions{})
	if err != nil || len(recs) != 0 {
		t.Fatalf("Search = %v, %v", recs, err)
	}
	sum, err := g.Summarize(ctx, "s1", time.Time{})
	if err != nil || sum.Total != 0 || sum.PersonaUsage == nil {
		t.Fatalf("Summarize = %+v, %v; want empty, nil", sum, err)
	}
	if err := g.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := g.Ping(ctx); !errors.Is(err, errDown) {
		t.Fatalf("Ping = %v, want the archive error", err)
	}
}

func TestGuard_RecoversOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := &mock.Archive{AppendErr: errors.New("blip")}
	g := session.NewGuard(a, nil)

	_ = g.Append(ctx, session.Record{SessionID: "s1"})
	if !g.IsDegraded() {
		t.Fatal("expected degraded")
	}
	a.AppendErr = nil
	_ = g.Append(ctx, session.Record{SessionID: "s1"})
	if g.IsDegraded() {
		t.Fatal("guard still degraded after a successful append")
	}
	if got := a.CallCount("Append"); got != 2 {
		t.Fatalf("Append calls = %d, want 2", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	day := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	r := func(role session.Role, ts time.Time, personaID string, level int) session.Record {
		return session.Record{SessionID: "s1", Turn: session.Turn{Role: role, Text: "x", Timestamp: ts}, PersonaID: personaID, EmotionLevel: level}
	}
	recs := []session.Record{
		r(session.RoleUser, day.Add(-48*time.Hour), "gentle", 0),
		r(session.RoleAssistant, day.Add(-48*time.Hour), "gentle", 1),
		r(session.RoleUser, day, "sweet", 2),
		r(session.RoleAssistant, day.Add(3*time.Hour), "sweet", 4),
	}

	all := session.Summarize(recs, time.Time{})
	if all.Total != 4 || all.User != 2 || all.Assistant != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", all.Total, all.User, all.Assistant)
	}
	// 22:00 and 01:00 the next morning fall on different UTC dates.
	if all.ActiveDays != 3 {
		t.Errorf("ActiveDays = %d, want 3", all.ActiveDays)
	}
	if !all.First.Equal(day.Add(-48*time.Hour)) || !all.Last.Equal(day.Add(3*time.Hour)) {
		t.Errorf("First/Last = %s/%s", all.First, all.Last)
	}
	if all.PersonaUsage["gentle"] != 2 || all.PersonaUsage["sweet"] != 2 || all.PeakLevel != 4 {
		t.Errorf("usage = %v, peak = %d", all.PersonaUsage, all.PeakLevel)
	}

	recent := session.Summarize(recs, day.Add(-time.Hour))
	if recent.Total != 2 || recent.PersonaUsage["gentle"] != 0 || recent.ActiveDays != 2 {
		t.Errorf("recent = %+v", recent)
	}

	none := session.Summarize(nil, time.Time{})
	if none.Total != 0 || !none.First.IsZero() || none.PersonaUsage == nil {
		t.Errorf("empty = %+v", none)
	}
}

func TestMatchTurns(t *testing.T) {
	t.Parallel()
	turns := []session.Turn{
		{Text: "The old Lighthouse by the sea"},
		{Text: "a lighthouse keeper"},
		{Text: "the sea was calm"},
	}
	tests := []struct {
		query string
		limit int
		want  []string
	}{
		{"lighthouse", 0, []string{"The old Lighthouse by the sea", "a lighthouse keeper"}},
		{"SEA lighthouse", 0, []string{"The old Lighthouse by the sea"}},
		{"lighthouse", 1, []string{"The old Lighthouse by the sea"}},
		{"mountain", 0, nil},
		{"   ", 0, nil},
	}
	for _, tt := range tests {
		got := session.MatchTurns(turns, tt.query, tt.limit)
		if got == nil {
			t.Fatalf("MatchTurns(%q) returned nil", tt.query)
		}
		if len(got) != len(tt.want) {
			t.Errorf("MatchTurns(%q, %d) = %d turns, want %d", tt.query, tt.limit, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Text != tt.want[i] {
				t.Errorf("MatchTurns(%q)[%d] = %q, want %q", tt.query, i, got[i].Text, tt.want[i])
			}
		}
	}
}
