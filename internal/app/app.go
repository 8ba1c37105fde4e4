// Package app wires all companion subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject implementations via functional options
// (WithCacheStore, WithArchive, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/companion/internal/backend"
	"github.com/MrWong99/companion/internal/cache"
	cachepg "github.com/MrWong99/companion/internal/cache/postgres"
	cacheredis "github.com/MrWong99/companion/internal/cache/redis"
	"github.com/MrWong99/companion/internal/cache/sqlite"
	"github.com/MrWong99/companion/internal/config"
	"github.com/MrWong99/companion/internal/conversation"
	"github.com/MrWong99/companion/internal/emotion"
	"github.com/MrWong99/companion/internal/health"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/internal/resilience"
	"github.com/MrWong99/companion/internal/server"
	"github.com/MrWong99/companion/internal/session"
	sessionpg "github.com/MrWong99/companion/internal/session/postgres"
	"github.com/MrWong99/companion/pkg/provider/llm"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// purger is implemented by persistent cache tiers that keep expired rows
// until they are purged.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// NamedLLM is an LLM provider with the name it was configured under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the language model backends. Populated by main.go via the
// config registry.
type Providers struct {
	LLM          NamedLLM
	LLMFallbacks []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	classifier     emotion.Classifier

	// Subsystems, initialised in New and torn down in Shutdown.
	personas   *persona.Registry
	cacheStore cache.Store
	archive    session.Archive
	sessions   *session.Store
	cache      *cache.Cache
	backend    *backend.Client
	conv       *conversation.Manager
	handler    http.Handler
	httpServer *http.Server

	ready chan struct{}
	addr  string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCacheStore injects the persistent cache tier instead of creating one
// from config.
func WithCacheStore(s cache.Store) Option {
	return func(a *App) { a.cacheStore = s }
}

// WithArchive injects a transcript archive instead of connecting to
// session.archive_dsn.
func WithArchive(ar session.Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithClassifier replaces the emotion classifier built from config.
func WithClassifier(c emotion.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM.Provider == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	// ── 1. Personas ──────────────────────────────────────────────────────
	personas, err := config.BuildPersonas(cfg.Personas)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.personas = personas

	// ── 2. Persistent cache tier ─────────────────────────────────────────
	if err := a.initCacheStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache store: %w", err)
	}

	// ── 3. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Sessions, cache, backend ──────────────────────────────────────
	a.initSessions()
	a.initCache()
	a.initBackend()

	// ── 5. Conversation manager and transport ────────────────────────────
	a.initConversation()
	a.initServer()

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCacheStore opens the configured persistent cache tier unless one was
// injected.
func (a *App) initCacheStore(ctx context.Context) error {
	if a.cacheStore != nil {
		return nil
	}
	p := a.cfg.Cache.Persistent
	var (
		store cache.Store
		err   error
	)
	switch p.Backend {
	case config.CacheBackendNone, "":
		slog.Info("persistent cache disabled; replies are cached in memory only")
		return nil
	case config.CacheBackendSQLite:
		store, err = sqlite.Open(ctx, p.Path)
	case config.CacheBackendRedis:
		store, err = cacheredis.New(ctx, cacheredis.Config{
			Addr:      p.Addr,
			Password:  p.Password,
			DB:        p.DB,
			KeyPrefix: p.KeyPrefix,
		})
	case config.CacheBackendPostgres:
		store, err = cachepg.New(ctx, p.DSN)
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	if err != nil {
		return err
	}
	a.cacheStore = store
	a.closers = append(a.closers, store.Close)
	slog.Info("persistent cache ready", "backend", string(p.Backend))
	return nil
}

// initArchive connects the transcript archive and wraps it so archive
// failures never fail a turn.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		dsn := a.cfg.Session.ArchiveDSN
		if dsn == "" {
			return nil
		}
		pg, err := sessionpg.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		a.archive = pg
		slog.Info("transcript archive ready")
	}
	a.archive = session.NewGuard(a.archive, slog.Default())
	return nil
}

func (a *App) initSessions() {
	opts := []session.Option{
		session.WithDefaultPersona(string(a.personas.Default().ID)),
		session.WithIdleTimeout(a.cfg.Session.IdleTimeout),
		session.WithMetrics(a.metrics),
	}
	if a.archive != nil && a.cfg.Session.HydrateTurns > 0 {
		opts = append(opts, session.WithLoader(session.ArchiveLoader(a.archive, a.cfg.Session.HydrateTurns)))
	}
	a.sessions = session.NewStore(opts...)
}

func (a *App) initCache() {
	c := a.cfg.Cache
	opts := []cache.Option{
		cache.WithDefaultTTL(c.TTL),
		cache.WithFlightTimeout(c.FlightTimeout),
		cache.WithWriteTimeout(c.Persistent.WriteTimeout),
		cache.WithMetrics(a.metrics),
	}
	if a.cacheStore != nil {
		opts = append(opts, cache.WithStore(a.cacheStore))
	}
	a.cache = cache.New(c.Capacity, opts...)
}

// initBackend puts every configured provider behind a circuit breaker and
// builds the backend client on top.
func (a *App) initBackend() {
	cb := a.cfg.Backend.CircuitBreaker
	fb := resilience.NewLLMFallback(a.providers.LLM.Provider, a.providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		},
	})
	for _, p := range a.providers.LLMFallbacks {
		fb.AddFallback(p.Name, p.Provider)
	}

	b := a.cfg.Backend
	conv := a.cfg.Conversation
	bc := backend.Config{
		ContextTurns:     conv.ContextTurns,
		MaxContextTokens: conv.MaxContextTokens,
		Temperature:      conv.Temperature,
		MaxTokens:        conv.MaxTokens,
		Timeout:          b.Timeout,
		InitialBackoff:   b.InitialBackoff,
		MaxBackoff:       b.MaxBackoff,
	}
	if b.MaxRetries != nil {
		bc.MaxRetries = *b.MaxRetries
	}
	a.backend = backend.New(fb, bc,
		backend.WithProviderName(a.providers.LLM.Name),
		backend.WithMetrics(a.metrics),
	)
	slog.Info("llm backends ready", "order", fb.Backends())
}

func (a *App) initConversation() {
	if a.classifier == nil {
		a.classifier = newClassifier(a.cfg.Emotion)
	}
	conv := a.cfg.Conversation
	opts := []conversation.Option{
		conversation.WithClassifier(a.classifier),
		conversation.WithMetrics(a.metrics),
	}
	if a.archive != nil {
		opts = append(opts, conversation.WithArchive(a.archive))
	}
	a.conv = conversation.New(a.personas, a.sessions, a.cache, a.backend, conversation.Config{
		HistoryWindow:    conv.HistoryWindow,
		ContextTurns:     conv.ContextTurns,
		MaxMessageLength: conv.MaxMessageLength,
		CacheTTL:         a.cfg.Cache.TTL,
	}, opts...)
}

func (a *App) initServer() {
	checkers := []health.Checker{{Name: "cache", Check: a.cache.Ping}}
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}
	srv := server.New(a.conv,
		server.WithHealth(health.New(checkers...)),
		server.WithMetricsHandler(a.metricsHandler),
		server.WithMetrics(a.metrics),
		server.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	a.handler = srv.Handler()
	a.httpServer = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// newClassifier builds the configured emotion signal policy.
func newClassifier(cfg config.EmotionConfig) emotion.Classifier {
	if cfg.Classifier == config.ClassifierKeyword {
		return emotion.NewKeywordClassifier(cfg.Affectionate, cfg.Distant)
	}
	return emotion.NeutralClassifier{}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Conversation returns the conversation manager.
func (a *App) Conversation() *conversation.Manager { return a.conv }

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the address Run listens on. Valid after Ready is closed.
func (a *App) Addr() string { return a.addr }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr and sweeps idle sessions until ctx
// is cancelled. It returns ctx.Err() on cancellation and a wrapped error if
// the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr().String()
	close(a.ready)

	go a.sessions.Run(ctx, a.cfg.Session.SweepInterval)
	if p, ok := a.cacheStore.(purger); ok {
		go a.purgeLoop(ctx, p)
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpServer.Serve(ln)
	}()
	slog.Info("listening", "addr", a.addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// purgeLoop removes expired persistent cache rows every sweep interval.
func (a *App) purgeLoop(ctx context.Context, p purger) {
	interval := a.cfg.Session.SweepInterval
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
			n, err := p.Purge(ctx)
			if err != nil {
				slog.Warn("cache purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waiting for in-flight requests, and then
// closes all subsystems in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases resources acquired by a failed New.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
