// Package conversation runs one conversational turn end to end: it resolves
// the session and persona, consults the response cache, calls the language
// model on a miss and commits the new history and emotion level.
//
// A turn either fully succeeds or leaves the session exactly as it was.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/companion/internal/backend"
	"github.com/MrWong99/companion/internal/cache"
	"github.com/MrWong99/companion/internal/emotion"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/internal/session"
)

// DefaultMaxMessageLength is the longest accepted user message, in runes.
const DefaultMaxMessageLength = 2000

// State is a stage of a turn.
type State string

const (
	StateIdle       State = "idle"
	StateResolving  State = "resolving"
	StateCacheCheck State = "cache_check"
	StateBackending State = "backending"
	StateResponding State = "responding"
)

// Config tunes turn handling. Zero fields take defaults.
type Config struct {
	// HistoryWindow is the number of turn entries kept per session.
	HistoryWindow int

	// ContextTurns is the number of recent entries that feed the cache
	// fingerprint and the prompt. Defaults to HistoryWindow.
	ContextTurns int

	// MaxMessageLength bounds user messages, in runes.
	MaxMessageLength int

	// CacheTTL is the lifetime of cached replies. Zero uses the cache default.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = session.DefaultWindow
	}
	if c.ContextTurns <= 0 || c.ContextTurns > c.HistoryWindow {
		c.ContextTurns = c.HistoryWindow
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	return c
}

// Request is one inbound user message.
type Request struct {
	SessionID string

	Message string

	// PersonaID switches the session to another persona before the turn.
	// Empty keeps the current one.
	PersonaID persona.ID
}

// Reply is the outcome of a successful turn.
type Reply struct {
	SessionID          string
	Text               string
	PersonaID          persona.ID
	PersonaName        string
	EmotionLevel       int
	EmotionDescription string

	// Source tells whether the reply came from a cache tier or the backend.
	Source cache.Tier

	// Shared is true when the reply was produced for a concurrent identical
	// request.
	Shared bool
}

// Status describes a session.
type Status struct {
	SessionID          string
	PersonaID          persona.ID
	PersonaName        string
	EmotionLevel       int
	EmotionDescription string
	Turns              int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClassifier sets the emotion signal policy. Defaults to
// emotion.NeutralClassifier.
func WithClassifier(c emotion.Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithArchive enables transcript archiving and search.
func WithArchive(a session.Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager orchestrates turns. It is safe for concurrent use; turns for the
// same session run one at a time in arrival order.
type Manager struct {
	personas   *persona.Registry
	sessions   *session.Store
	cache      *cache.Cache
	backend    *backend.Client
	classifier emotion.Classifier
	archive    session.Archive
	cfg        Config

	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// New creates a Manager.
func New(personas *persona.Registry, sessions *session.Store, c *cache.Cache, b *backend.Client, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		personas: personas,
		sessions: sessions,
		cache:    c,
		backend:  b,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.classifier == nil {
		m.classifier = emotion.NeutralClassifier{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Personas returns the registered personas.
func (m *Manager) Personas() []persona.Persona {
	return m.personas.List()
}

// enter records a state transition of the turn in ctx.
func (m *Manager) enter(ctx context.Context, s State, attrs ...attribute.KeyValue) {
	observe.Event(ctx, string(s), attrs...)
	observe.Logger(ctx).Debug("conversation: state", "state", string(s))
}

// Turn processes one user message and returns the companion's reply.
func (m *Manager) Turn(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	reply, err := m.turn(ctx, req)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = Code(err)
		observe.Fail(span, err)
	case reply.Source != cache.TierBackend:
		outcome = "cached"
	}
	m.metrics.RecordTurn(ctx, time.Since(start).Seconds(), outcome)
	m.enter(ctx, StateIdle)
	return reply, err
}

func (m *Manager) turn(ctx context.Context, req Request) (Reply, error) {
	m.enter(ctx, StateResolving)

	msg, err := m.validateMessage(req.Message)
	if err != nil {
		return Reply{}, err
	}
	if req.PersonaID != "" {
		if _, err := m.personas.Get(req.PersonaID); err != nil {
			return Reply{}, err
		}
	}

	h, err := m.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: acquire session: %w", err)
	}
	defer h.Release()

	p, st := m.sessionPersona(ctx, h.State())
	if req.PersonaID != "" && req.PersonaID != p.ID {
		p, st = m.switchPersona(st, req.PersonaID)
	}

	m.enter(ctx, StateCacheCheck,
		attribute.String("persona", string(p.ID)),
		attribute.Int("emotion.level", st.EmotionLevel))
	recent := slices.Clone(st.Recent(m.cfg.ContextTurns))
	fp := cache.Fingerprint(string(p.ID), st.EmotionLevel, session.HashTurns(recent), msg)

	breq := backend.Request{Persona: p, EmotionLevel: st.EmotionLevel, History: recent, Message: msg}
	res, err := m.cache.Resolve(ctx, fp, m.cfg.CacheTTL, func(fctx context.Context) (string, error) {
		m.enter(fctx, StateBackending)
		return m.backend.Complete(fctx, breq)
	})
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: turn for session %s: %w", req.SessionID, err)
	}

	m.enter(ctx, StateResponding, attribute.String("source", string(res.Source)))
	now := m.now()
	userTurn := session.Turn{Role: session.RoleUser, Text: msg, Timestamp: now}
	replyTurn := session.Turn{Role: session.RoleAssistant, Text: res.Text, Timestamp: now}
	st.Append(m.cfg.HistoryWindow, userTurn, replyTurn)
	levelBefore := st.EmotionLevel
	sig := m.classifier.Classify(ctx, msg)
	st.EmotionLevel = emotion.Next(st.EmotionLevel, sig, p.EmotionRange)
	h.Save(st)

	observe.Logger(ctx).Info("conversation: turn complete",
		"session_id", req.SessionID,
		"persona", string(p.ID),
		"signal", sig.String(),
		"level_from", levelBefore,
		"level_to", st.EmotionLevel,
		"source", string(res.Source),
		"shared", res.Shared,
	)

	if m.archive != nil {
		err := m.archive.Append(ctx,
			session.Record{SessionID: req.SessionID, Turn: userTurn, PersonaID: string(p.ID), EmotionLevel: levelBefore},
			session.Record{SessionID: req.SessionID, Turn: replyTurn, PersonaID: string(p.ID), EmotionLevel: st.EmotionLevel},
		)
		if err != nil {
			m.log.WarnContext(ctx, "conversation: archive append failed", "session_id", req.SessionID, "err", err)
		}
	}

	return Reply{
		SessionID:          req.SessionID,
		Text:               res.Text,
		PersonaID:          p.ID,
		PersonaName:        p.DisplayName,
		EmotionLevel:       st.EmotionLevel,
		EmotionDescription: emotion.Describe(st.EmotionLevel),
		Source:             res.Source,
		Shared:             res.Shared,
	}, nil
}

func (m *Manager) validateMessage(raw string) (string, error) {
	msg := backend.SanitizeMessage(raw)
	if msg == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(msg); n > m.cfg.MaxMessageLength {
		return "", fmt.Errorf("%w: message has %d characters, limit is %d", ErrInvalidMessage, n, m.cfg.MaxMessageLength)
	}
	return msg, nil
}

// sessionPersona returns the persona a session is on, falling back to the
// default when the stored id is no longer registered. A level outside the
// persona's range (a fallback, or a range narrowed since the session was
// archived) re-enters the persona as a switch would.
func (m *Manager) sessionPersona(ctx context.Context, st session.State) (persona.Persona, session.State) {
	p, err := m.personas.Get(persona.ID(st.PersonaID))
	if err != nil {
		p = m.personas.Default()
		if st.PersonaID != "" {
			m.log.WarnContext(ctx, "conversation: session persona no longer registered, using default",
				"session_id", st.SessionID, "persona", st.PersonaID, "default", string(p.ID))
		}
		st.PersonaID = string(p.ID)
	}
	if !p.EmotionRange.Contains(st.EmotionLevel) {
		st.EmotionLevel = emotion.Enter(st.EmotionLevel, p.BaseLevel, p.EmotionRange)
	}
	return p, st
}

// switchPersona moves st to persona id, which must be registered.
func (m *Manager) switchPersona(st session.State, id persona.ID) (persona.Persona, session.State) {
	p, _ := m.personas.Get(id)
	st.PersonaID = string(p.ID)
	st.EmotionLevel = emotion.Enter(st.EmotionLevel, p.BaseLevel, p.EmotionRange)
	return p, st
}

// SetPersona switches a session to another persona without a turn.
func (m *Manager) SetPersona(ctx context.Context, sessionID string, id persona.ID) (Status, error) {
	if _, err := m.personas.Get(id); err != nil {
		return Status{}, err
	}
	h, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("conversation: acquire session: %w", err)
	}
	defer h.Release()

	st := h.State()
	if persona.ID(st.PersonaID) != id {
		_, st = m.switchPersona(st, id)
		h.Save(st)
		observe.Logger(ctx).Info("conversation: persona switched",
			"session_id", sessionID, "persona", string(id), "level", st.EmotionLevel)
	}
	return m.status(ctx, h.State()), nil
}

func (m *Manager) status(ctx context.Context, st session.State) Status {
	p, st := m.sessionPersona(ctx, st)
	return Status{
		SessionID:          st.SessionID,
		PersonaID:          p.ID,
		PersonaName:        p.DisplayName,
		EmotionLevel:       st.EmotionLevel,
		EmotionDescription: emotion.Describe(st.EmotionLevel),
		Turns:              len(st.History),
		CreatedAt:          st.CreatedAt,
		UpdatedAt:          st.UpdatedAt,
	}
}

// snapshot returns the state of a session without waiting behind an
// in-flight turn when the session is already live.
func (m *Manager) snapshot(ctx context.Context, sessionID string) (session.State, error) {
	if st, ok := m.sessions.Peek(sessionID); ok {
		return st, nil
	}
	st, err := m.sessions.Load(ctx, sessionID)
	if err != nil {
		return session.State{}, fmt.Errorf("conversation: load session: %w", err)
	}
	return st, nil
}

// Status reports the persona, emotion level and history size of a session.
func (m *Manager) Status(ctx context.Context, sessionID string) (Status, error) {
	st, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	return m.status(ctx, st), nil
}

// History returns up to limit of the most recent turns of a session, oldest
// first. limit <= 0 returns the whole window.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	st, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(st.Recent(limit)), nil
}

// ClearHistory forgets the conversation history of a session, both in
// memory and in the archive. Persona and emotion level are kept.
func (m *Manager) ClearHistory(ctx context.Context, sessionID string) error {
	h, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("conversation: acquire session: %w", err)
	}
	defer h.Release()

	st := h.State()
	st.History = nil
	h.Save(st)
	if m.archive != nil {
		if err := m.archive.Clear(ctx, sessionID); err != nil {
			return fmt.Errorf("conversation: clear archive: %w", err)
		}
	}
	return nil
}

// End terminates a session. It reports whether the session was live.
func (m *Manager) End(ctx context.Context, sessionID string) (bool, error) {
	return m.sessions.Delete(ctx, sessionID)
}

// Search runs a full-text query over archived turns. Without an archive it
// returns no results.
func (m *Manager) Search(ctx context.Context, query string, opts session.SearchOptions) ([]session.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrInvalidQuery
	}
	if m.archive == nil {
		return []session.Record{}, nil
	}
	recs, err := m.archive.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("conversation: search: %w", err)
	}
	return recs, nil
}

// Summary aggregates what is remembered of a session since the given time.
// With an archive it covers the whole archived transcript; without one it
// covers the live history window, attributed to the current persona and
// level. A zero since includes everything.
func (m *Manager) Summary(ctx context.Context, sessionID string, since time.Time) (session.Summary, error) {
	if m.archive != nil {
		sum, err := m.archive.Summarize(ctx, sessionID, since)
		if err != nil {
			return session.Summary{}, fmt.Errorf("conversation: summarize: %w", err)
		}
		return sum, nil
	}
	st, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return session.Summary{}, err
	}
	recs := make([]session.Record, len(st.History))
	for i, t := range st.History {
		recs[i] = session.Record{SessionID: sessionID, Turn: t, PersonaID: st.PersonaID, EmotionLevel: st.EmotionLevel}
	}
	return session.Summarize(recs, since), nil
}

// Memories returns the turns of one session that match query, oldest
// first. It searches the archive when there is one and the live history
// window otherwise. Memories are read-only: they are never folded into the
// prompt, so cached replies stay keyed on the recent turns alone.
func (m *Manager) Memories(ctx context.Context, sessionID, query string, limit int) ([]session.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrInvalidQuery
	}
	if m.archive != nil {
		return m.Search(ctx, query, session.SearchOptions{SessionID: sessionID, Limit: limit})
	}
	st, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns := session.MatchTurns(st.History, query, limit)
	recs := make([]session.Record, len(turns))
	for i, t := range turns {
		recs[i] = session.Record{SessionID: sessionID, Turn: t, PersonaID: st.PersonaID, EmotionLevel: st.EmotionLevel}
	}
	return recs, nil
}

// Ping sends a one-shot request to the language model and returns its reply.
func (m *Manager) Ping(ctx context.Context) (string, error) {
	return m.backend.Ping(ctx)
}
