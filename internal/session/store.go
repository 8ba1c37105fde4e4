package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/companion/internal/observe"
)

// DefaultIdleTimeout is how long an unused session stays in memory.
const DefaultIdleTimeout = 30 * time.Minute

// ErrEmptyID is returned for operations on the empty session id.
var ErrEmptyID = errors.New("session: empty session id")

// Loader hydrates a newly created session. It returns ok=false when it has
// nothing for id. It runs while the session is held, before the first caller
// sees the state.
type Loader func(ctx context.Context, id string) (st State, ok bool, err error)

// Option configures a [Store].
type Option func(*Store)

// WithDefaultPersona sets the persona of newly created sessions.
func WithDefaultPersona(id string) Option {
	return func(s *Store) { s.defaultPersona = id }
}

// WithIdleTimeout sets how long a session may stay unused before Sweep
// evicts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithLoader sets the hydration hook for new sessions.
func WithLoader(l Loader) Option {
	return func(s *Store) { s.loader = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// entry is the in-memory record of one session.
type entry struct {
	// sem is a one-slot semaphore. Blocked senders are woken in arrival
	// order, which gives FIFO access per session.
	sem chan struct{}

	// refs counts holders and waiters. Guarded by Store.mu.
	refs int
	// lastUsed is the time the last holder released. Guarded by Store.mu.
	lastUsed time.Time

	mu      sync.Mutex
	state   State
	ready   bool
	removed bool
}

// Store holds all live sessions. It is safe for concurrent use.
//
// Store.mu guards the session map and reference counts only; it is never
// held while a caller works on a session.
type Store struct {
	defaultPersona string
	idleTimeout    time.Duration
	loader         Loader
	now            func() time.Time
	log            *slog.Logger
	metrics        *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handle is exclusive access to one session. It must be released exactly
// once; further Release calls are no-ops.
type Handle struct {
	store *Store
	e     *entry
	id    string
	once  sync.Once
}

// ID returns the session id.
func (h *Handle) ID() string { return h.id }

// State returns a copy of the session state.
func (h *Handle) State() State {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.state.Clone()
}

// Save replaces the session state. The session id is kept and UpdatedAt is
// stamped.
func (h *Handle) Save(st State) {
	st = st.Clone()
	st.SessionID = h.id
	st.UpdatedAt = h.store.now()
	h.e.mu.Lock()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = h.e.state.CreatedAt
	}
	h.e.state = st
	h.e.mu.Unlock()
}

// Release gives the session to the next waiter.
func (h *Handle) Release() {
	h.once.Do(func() {
		<-h.e.sem
		h.store.unref(h.e)
	})
}

// Acquire waits for exclusive access to session id, creating it with the
// default state on first use. Waiters for the same id are served in FIFO
// order. It returns ctx.Err() if ctx ends first.
func (s *Store) Acquire(ctx context.Context, id string) (*Handle, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	for {
		e := s.ref(id)
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			s.unref(e)
			return nil, ctx.Err()
		}

		e.mu.Lock()
		removed, ready := e.removed, e.ready
		e.mu.Unlock()
		if removed {
			// Deleted while we were queued: retry against the new entry.
			<-e.sem
			s.unref(e)
			continue
		}
		if !ready {
			s.initialize(ctx, id, e)
		}
		return &Handle{store: s, e: e, id: id}, nil
	}
}

// initialize builds the first state of a session. Called with e.sem held.
func (s *Store) initialize(ctx context.Context, id string, e *entry) {
	now := s.now()
	st := State{SessionID: id, PersonaID: s.defaultPersona, CreatedAt: now, UpdatedAt: now}
	if s.loader != nil {
		loaded, ok, err := s.loader(ctx, id)
		switch {
		case err != nil:
			s.log.WarnContext(ctx, "session: hydration failed, starting fresh", "session_id", id, "err", err)
		case ok:
			loaded.SessionID = id
			if loaded.PersonaID == "" {
				loaded.PersonaID = s.defaultPersona
			}
			if loaded.CreatedAt.IsZero() {
				loaded.CreatedAt = now
			}
			loaded.UpdatedAt = now
			st = loaded
			s.log.DebugContext(ctx, "session: hydrated", "session_id", id, "turns", len(st.History))
		}
	}
	e.mu.Lock()
	e.state = st
	e.ready = true
	e.mu.Unlock()
}

func (s *Store) ref(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1), lastUsed: s.now()}
		s.sessions[id] = e
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	e.refs++
	return e
}

func (s *Store) unref(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	e.lastUsed = s.now()
}

// Load returns a copy of the state of session id, creating it if needed.
func (s *Store) Load(ctx context.Context, id string) (State, error) {
	h, err := s.Acquire(ctx, id)
	if err != nil {
		return State{}, err
	}
	defer h.Release()
	return h.State(), nil
}

// Save replaces the state of session id, waiting for its turn like any
// other caller.
func (s *Store) Save(ctx context.Context, id string, st State) error {
	h, err := s.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Save(st)
	return nil
}

// Peek returns a snapshot of session id without waiting for in-flight work.
// ok is false when the session does not exist or is still initialising.
func (s *Store) Peek(id string) (State, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready || e.removed {
		return State{}, false
	}
	return e.state.Clone(), true
}

// Delete ends session id. It waits for in-flight work on the session, then
// removes it; later calls start a fresh session. It reports whether the
// session existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		e.refs++
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(e)
		return false, ctx.Err()
	}
	e.mu.Lock()
	already := e.removed
	e.removed = true
	e.mu.Unlock()
	if already {
		<-e.sem
		s.unref(e)
		return false, nil
	}

	s.mu.Lock()
	if s.sessions[id] == e {
		delete(s.sessions, id)
	}
	e.refs--
	s.mu.Unlock()
	<-e.sem

	s.metrics.RecordSessionEviction(ctx, "ended", 1)
	return true, nil
}

// Len returns the number of sessions in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions that have been unused for the idle timeout and have
// no holder or waiter. It returns the number of evicted sessions.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	var evicted []*entry
	for id, e := range s.sessions {
		if e.refs == 0 && now.Sub(e.lastUsed) >= s.idleTimeout {
			delete(s.sessions, id)
			evicted = append(evicted, e)
		}
	}
	s.mu.Unlock()

	for _, e := range evicted {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	if n := len(evicted); n > 0 {
		s.metrics.RecordSessionEviction(context.Background(), "idle", n)
	}
	return len(evicted)
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.log.Info("session: evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
