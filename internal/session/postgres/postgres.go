// Package postgres archives conversation turns in PostgreSQL and searches
// them with its built-in full-text search.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/companion/internal/session"
)

const ddlSessionTurns = `
CREATE TABLE IF NOT EXISTS session_turns (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    role          TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    persona_id    TEXT         NOT NULL DEFAULT '',
    emotion_level SMALLINT     NOT NULL DEFAULT 0,
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_turns_session_id
    ON session_turns (session_id, id);

CREATE INDEX IF NOT EXISTS idx_session_turns_fts
    ON session_turns USING GIN (to_tsvector('simple', text));
`

// Archive is a [session.Archive] backed by the session_turns table.
// All methods are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

var _ session.Archive = (*Archive)(nil)

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("session archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Archive{pool: pool}, nil
}

// Migrate creates the archive table and indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionTurns); err != nil {
		return fmt.Errorf("session archive: migrate: %w", err)
	}
	return nil
}

// Append implements [session.Archive]. All records are written in one batch.
func (a *Archive) Append(ctx context.Context, records ...session.Record) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO session_turns (session_id, role, text, persona_id, emotion_level, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(q, r.SessionID, string(r.Turn.Role), r.Turn.Text, r.PersonaID, r.EmotionLevel, r.Turn.Timestamp)
	}
	if err := a.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("session archive: append: %w", err)
	}
	return nil
}

// Recent implements [session.Archive].
func (a *Archive) Recent(ctx context.Context, sessionID string, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = session.DefaultWindow
	}
	const q = `
		SELECT session_id, role, text, persona_id, emotion_level, timestamp
		FROM (
		    SELECT id, session_id, role, text, persona_id, emotion_level, timestamp
		    FROM   session_turns
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	rows, err := a.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session archive: recent: %w", err)
	}
	return collectRecords(rows)
}

// Search implements [session.Archive]. The query goes through
// plainto_tsquery, so no operator syntax is required.
func (a *Archive) Search(ctx context.Context, query string, opts session.SearchOptions) ([]session.Record, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}

	q := "SELECT session_id, role, text, persona_id, emotion_level, timestamp\n" +
		"FROM   session_turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session archive: search: %w", err)
	}
	return collectRecords(rows)
}

// Summarize implements [session.Archive].
func (a *Archive) Summarize(ctx context.Context, sessionID string, since time.Time) (session.Summary, error) {
	const qTotals = `
		SELECT count(*),
		       count(*) FILTER (WHERE role = 'user'),
		       count(*) FILTER (WHERE role = 'assistant'),
		       count(DISTINCT (timestamp AT TIME ZONE 'UTC')::date),
		       min(timestamp),
		       max(timestamp),
		       coalesce(max(emotion_level), 0)
		FROM   session_turns
		WHERE  session_id = $1 AND timestamp >= $2`

	const qPersonas = `
		SELECT persona_id, count(*)
		FROM   session_turns
		WHERE  session_id = $1 AND timestamp >= $2
		GROUP  BY persona_id`

	var (
		sum         session.Summary
		first, last *time.Time
		peak        int16
	)
	err := a.pool.QueryRow(ctx, qTotals, sessionID, since).Scan(
		&sum.Total, &sum.User, &sum.Assistant, &sum.ActiveDays, &first, &last, &peak)
	if err != nil {
		return session.Summary{}, fmt.Errorf("session archive: summarize: %w", err)
	}
	if first != nil {
		sum.First = *first
	}
	if last != nil {
		sum.Last = *last
	}
	sum.PeakLevel = int(peak)

	rows, err := a.pool.Query(ctx, qPersonas, sessionID, since)
	if err != nil {
		return session.Summary{}, fmt.Errorf("session archive: summarize personas: %w", err)
	}
	sum.PersonaUsage = make(map[string]int)
	var (
		personaID string
		n         int
	)
	_, err = pgx.ForEachRow(rows, []any{&personaID, &n}, func() error {
		sum.PersonaUsage[personaID] = n
		return nil
	})
	if err != nil {
		return session.Summary{}, fmt.Errorf("session archive: summarize personas: %w", err)
	}
	return sum, nil
}

// Clear implements [session.Archive].
func (a *Archive) Clear(ctx context.Context, sessionID string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM session_turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("session archive: clear: %w", err)
	}
	return nil
}

// Ping implements [session.Archive].
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

func collectRecords(rows pgx.Rows) ([]session.Record, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Record, error) {
		var (
			r     session.Record
			role  string
			level int16
		)
		if err := row.Scan(&r.SessionID, &role, &r.Turn.Text, &r.PersonaID, &level, &r.Turn.Timestamp); err != nil {
			return session.Record{}, err
		}
		r.Turn.Role = session.Role(role)
		r.EmotionLevel = int(level)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session archive: scan rows: %w", err)
	}
	if recs == nil {
		recs = []session.Record{}
	}
	return recs, nil
}
