package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/companion/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several
// completion backends.
//
// Only [llm.ErrUnavailable] failures count against a backend's breaker: a
// rejected or malformed request says nothing about the backend's health.
// When every backend is skipped because its breaker is open, the returned
// error wraps [llm.ErrUnavailable] so callers treat it as transient.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. cfg.CircuitBreaker.IsFailure is set when left nil.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return errors.Is(err, llm.ErrUnavailable)
		}
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Backends returns the backend names in failover order.
func (f *LLMFallback) Backends() []string {
	return f.group.Names()
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Complete(ctx, req)
	})
	if err != nil && errors.Is(err, ErrCircuitOpen) && !errors.Is(err, llm.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
	}
	return resp, err
}

// CountTokens uses the primary's estimate. Token counting is local and does
// not go through the breakers.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.entries[0].value.CountTokens(messages)
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}
