// Package backend turns a persona, an emotion level and a conversation
// history into a completion request, sends it to the configured language
// model and normalises the reply.
//
// Transient failures ([llm.ErrUnavailable]) are retried with exponential
// backoff. Rejected requests and malformed replies are returned at once.
// The client knows nothing about caching.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/pkg/provider/llm"
)

// ErrEmptyMessage is returned when the user message is empty after
// sanitising.
var ErrEmptyMessage = errors.New("backend: empty message")

// Config tunes prompt assembly and the retry policy. Zero fields other than
// MaxRetries take the defaults from [DefaultConfig].
type Config struct {
	// ContextTurns is how many history entries are sent with each request.
	ContextTurns int

	// MaxContextTokens bounds the whole prompt. History is dropped oldest
	// first until the estimate fits.
	MaxContextTokens int

	// Temperature and MaxTokens are forwarded to the provider. Zero means
	// provider default.
	Temperature float64
	MaxTokens   int

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. It doubles per
	// retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the settings used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		ContextTurns:     session.DefaultWindow,
		MaxContextTokens: 4096,
		Timeout:          30 * time.Second,
		MaxRetries:       2,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       8 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContextTurns <= 0 {
		c.ContextTurns = d.ContextTurns
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = d.MaxContextTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Request is everything needed to produce one reply.
type Request struct {
	Persona      persona.Persona
	EmotionLevel int
	History      []session.Turn
	Message      string
}

// Option configures a [Client].
type Option func(*Client)

// WithProviderName labels metrics and logs. Defaults to "llm".
func WithProviderName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client sends persona-shaped completion requests. It is safe for
// concurrent use.
type Client struct {
	provider llm.Provider
	cfg      Config
	name     string
	log      *slog.Logger
	metrics  *observe.Metrics
}

// New creates a Client on top of p.
func New(p llm.Provider, cfg Config, opts ...Option) *Client {
	c := &Client{provider: p, cfg: cfg.withDefaults(), name: "llm"}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// SanitizeMessage strips NUL bytes and surrounding whitespace.
func SanitizeMessage(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// BuildRequest assembles the provider request for req: the persona system
// prompt, the most recent history that fits the token budget and the user
// message.
func (c *Client) BuildRequest(req Request) (llm.CompletionRequest, error) {
	msg := SanitizeMessage(req.Message)
	if msg == "" {
		return llm.CompletionRequest{}, ErrEmptyMessage
	}
	system, err := persona.Prompt(req.Persona, req.EmotionLevel)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("backend: %w", err)
	}

	history := req.History
	if len(history) > c.cfg.ContextTurns {
		history = history[len(history)-c.cfg.ContextTurns:]
	}
	user := llm.Message{Role: llm.RoleUser, Content: msg}
	for len(history) > 0 && c.countTokens(system, history, user) > c.cfg.MaxContextTokens {
		history = history[1:]
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, toMessage(t))
	}
	msgs = append(msgs, user)

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}, nil
}

func toMessage(t session.Turn) llm.Message {
	role := llm.RoleUser
	if t.Role == session.RoleAssistant {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: t.Text}
}

func (c *Client) countTokens(system string, history []session.Turn, user llm.Message) int {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range history {
		msgs = append(msgs, toMessage(t))
	}
	msgs = append(msgs, user)
	n, err := c.provider.CountTokens(msgs)
	if err != nil {
		return llm.EstimateTokens(msgs)
	}
	return n
}

// Complete produces the reply for req.
//
// Errors wrap [llm.ErrUnavailable], [llm.ErrRejected] or
// [llm.ErrMalformedResponse]. A cancelled ctx returns context.Canceled; an
// expired ctx deadline counts as unavailable.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	creq, err := c.BuildRequest(req)
	if err != nil {
		return "", err
	}

	ctx, span := observe.StartSpan(ctx, "backend.complete")
	defer span.End()

	for attempt := 0; ; attempt++ {
		text, err := c.attempt(ctx, creq)
		if err == nil {
			span.SetAttributes(attribute.Int("backend.attempts", attempt+1))
			return text, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", llm.ErrUnavailable, ctxErr)
			}
			observe.Fail(span, err)
			return "", fmt.Errorf("backend: %w", err)
		}
		kind := classify(err)
		c.metrics.RecordProviderError(ctx, c.name, kind)

		if kind != "unavailable" || attempt >= c.cfg.MaxRetries {
			observe.Fail(span, err)
			return "", fmt.Errorf("backend: after %d attempt(s): %w", attempt+1, err)
		}

		wait := c.backoff(attempt)
		c.metrics.BackendRetries.Add(ctx, 1)
		c.log.WarnContext(ctx, "backend: attempt failed, retrying",
			"provider", c.name,
			"attempt", attempt+1,
			"backoff", wait,
			"err", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
			}
			observe.Fail(span, err)
			return "", fmt.Errorf("backend: %w", err)
		case <-t.C:
		}
	}
}

// attempt performs one provider call bounded by the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, creq llm.CompletionRequest) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Complete(actx, creq)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", c.name)))

	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.name, "error")
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, llm.ErrUnavailable) {
			err = fmt.Errorf("%w: attempt timed out after %s: %w", llm.ErrUnavailable, c.cfg.Timeout, err)
		}
		return "", err
	}
	if resp == nil {
		c.metrics.RecordProviderRequest(ctx, c.name, "error")
		return "", fmt.Errorf("%w: nil response", llm.ErrMalformedResponse)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		c.metrics.RecordProviderRequest(ctx, c.name, "error")
		return "", fmt.Errorf("%w: empty reply (finish reason %q)", llm.ErrMalformedResponse, resp.FinishReason)
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "ok")
	return text, nil
}

// backoff returns the wait before retry number attempt+1.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	for range attempt {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return min(d, c.cfg.MaxBackoff)
}

func classify(err error) string {
	switch {
	case errors.Is(err, llm.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, llm.ErrRejected):
		return "rejected"
	case errors.Is(err, llm.ErrMalformedResponse):
		return "malformed"
	default:
		return "unknown"
	}
}

// Ping sends a minimal one-shot completion without retries and returns the
// reply. It verifies credentials and connectivity.
func (c *Client) Ping(ctx context.Context) (string, error) {
	text, err := c.attempt(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Reply with the single word: pong"}},
		MaxTokens: 8,
	})
	if err != nil {
		return "", fmt.Errorf("backend: ping: %w", err)
	}
	return text, nil
}
