package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultHistoryWindow    = 10
	DefaultMaxContextTokens = 4096
	DefaultMaxMessageLength = 2000
	DefaultCacheCapacity    = 1024
	DefaultCacheTTL         = 24 * time.Hour
	DefaultFlightTimeout    = 60 * time.Second
	DefaultCacheWrite       = 2 * time.Second
	DefaultSQLitePath       = "companion-cache.db"
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultHydrateTurns     = 10
	DefaultBackendTimeout   = 30 * time.Second
	DefaultMaxRetries       = 2
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 8 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultBreakerHalfOpen  = 3
	DefaultServiceName      = "companion"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	c := &cfg.Conversation
	setDefault(&c.HistoryWindow, DefaultHistoryWindow)
	setDefault(&c.ContextTurns, c.HistoryWindow)
	setDefault(&c.MaxContextTokens, DefaultMaxContextTokens)
	setDefault(&c.MaxMessageLength, DefaultMaxMessageLength)

	setDefault(&cfg.Emotion.Classifier, ClassifierNone)

	setDefault(&cfg.Cache.Capacity, DefaultCacheCapacity)
	setDefault(&cfg.Cache.TTL, DefaultCacheTTL)
	setDefault(&cfg.Cache.FlightTimeout, DefaultFlightTimeout)
	p := &cfg.Cache.Persistent
	setDefault(&p.Backend, CacheBackendSQLite)
	if p.Backend == CacheBackendSQLite {
		setDefault(&p.Path, DefaultSQLitePath)
	}
	setDefault(&p.WriteTimeout, DefaultCacheWrite)

	setDefault(&cfg.Session.IdleTimeout, DefaultIdleTimeout)
	setDefault(&cfg.Session.SweepInterval, DefaultSweepInterval)
	if cfg.Session.ArchiveDSN != "" {
		setDefault(&cfg.Session.HydrateTurns, min(DefaultHydrateTurns, c.HistoryWindow))
	}

	b := &cfg.Backend
	setDefault(&b.Timeout, DefaultBackendTimeout)
	if b.MaxRetries == nil {
		n := DefaultMaxRetries
		b.MaxRetries = &n
	}
	setDefault(&b.InitialBackoff, DefaultInitialBackoff)
	setDefault(&b.MaxBackoff, DefaultMaxBackoff)
	setDefault(&b.CircuitBreaker.MaxFailures, DefaultBreakerFailures)
	setDefault(&b.CircuitBreaker.ResetTimeout, DefaultBreakerReset)
	setDefault(&b.CircuitBreaker.HalfOpenMax, DefaultBreakerHalfOpen)

	setDefault(&cfg.Observability.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}

	// Personas
	if _, err := BuildPersonas(cfg.Personas); err != nil {
		errs = append(errs, err)
	}

	// Conversation
	c := cfg.Conversation
	if c.HistoryWindow < 2 {
		errs = append(errs, fmt.Errorf("conversation.history_window %d must be at least 2", c.HistoryWindow))
	}
	if c.ContextTurns < 0 || c.ContextTurns > c.HistoryWindow {
		errs = append(errs, fmt.Errorf("conversation.context_turns %d is out of range [0, %d]", c.ContextTurns, c.HistoryWindow))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_message_length %d must be positive", c.MaxMessageLength))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", c.MaxTokens))
	}

	// Emotion
	e := cfg.Emotion
	if !e.Classifier.IsValid() {
		errs = append(errs, fmt.Errorf("emotion.classifier %q is invalid; valid values: none, keyword", e.Classifier))
	}
	if e.Classifier == ClassifierKeyword && len(e.Affectionate) == 0 && len(e.Distant) == 0 {
		errs = append(errs, errors.New("emotion.classifier keyword requires affectionate or distant keywords"))
	}

	// Cache
	if cfg.Cache.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("cache.capacity %d must be positive", cfg.Cache.Capacity))
	}
	if cfg.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %s must be positive", cfg.Cache.TTL))
	}
	p := cfg.Cache.Persistent
	switch p.Backend {
	case CacheBackendNone:
	case CacheBackendSQLite:
		if p.Path == "" {
			errs = append(errs, errors.New("cache.persistent.path is required for backend sqlite"))
		}
	case CacheBackendRedis:
		if p.Addr == "" {
			errs = append(errs, errors.New("cache.persistent.addr is required for backend redis"))
		}
	case CacheBackendPostgres:
		if p.DSN == "" {
			errs = append(errs, errors.New("cache.persistent.dsn is required for backend postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.persistent.backend %q is invalid; valid values: none, sqlite, redis, postgres", p.Backend))
	}

	// Session
	if cfg.Session.HydrateTurns < 0 {
		errs = append(errs, fmt.Errorf("session.hydrate_turns %d must not be negative", cfg.Session.HydrateTurns))
	}
	if cfg.Session.HydrateTurns > c.HistoryWindow {
		errs = append(errs, fmt.Errorf("session.hydrate_turns %d exceeds conversation.history_window %d", cfg.Session.HydrateTurns, c.HistoryWindow))
	}
	if cfg.Session.HydrateTurns > 0 && cfg.Session.ArchiveDSN == "" {
		slog.Warn("session.hydrate_turns is set but session.archive_dsn is empty; sessions will not be hydrated")
	}
	if cfg.Session.ArchiveDSN == "" {
		slog.Warn("session.archive_dsn is empty; transcripts will not be archived or searchable")
	}

	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	// Backend
	b := cfg.Backend
	if b.MaxRetries != nil && *b.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("backend.max_retries %d must not be negative", *b.MaxRetries))
	}
	if b.MaxBackoff < b.InitialBackoff {
		errs = append(errs, fmt.Errorf("backend.max_backoff %s is shorter than backend.initial_backoff %s", b.MaxBackoff, b.InitialBackoff))
	}
	if b.CircuitBreaker.MaxFailures <= 0 || b.CircuitBreaker.HalfOpenMax <= 0 {
		errs = append(errs, errors.New("backend.circuit_breaker max_failures and half_open_max must be positive"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
