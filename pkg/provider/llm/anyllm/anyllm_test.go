package anyllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/companion/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		in llm.Message
	}{
		{llm.Message{Role: "system", Content: "You are helpful."}},
		{llm.Message{Role: "user", Content: "Hello!", Name: "alice"}},
		{llm.Message{Role: "assistant", Content: "Hi there!"}},
	}
	for _, tt := range tests {
		t.Run(tt.in.Role, func(t *testing.T) {
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("Role = %q, want %q", got.Role, tt.in.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("Content = %q, want %q", got.ContentString(), tt.in.Content)
			}
			if got.Name != tt.in.Name {
				t.Errorf("Name = %q, want %q", got.Name, tt.in.Name)
			}
		})
	}
}

// TestBuildParams_SystemPromptFirst checks that the system prompt is sent as
// the first message and optional knobs are only set when non-zero.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "stay in character",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		Temperature:  0.7,
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature not propagated: %v", params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens should be nil when zero, got %v", *params.MaxTokens)
	}
}

// ── classifyError ────────────────────────────────────────────────────────────

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), llm.ErrUnavailable},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, llm.ErrUnavailable},
		{"api refusal", errors.New("401 invalid x-api-key"), llm.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyError(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError_CanceledPassesThrough(t *testing.T) {
	got := classifyError(context.Canceled)
	if !errors.Is(got, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got)
	}
	if errors.Is(got, llm.ErrUnavailable) || errors.Is(got, llm.ErrRejected) {
		t.Errorf("cancellation must not be classified, got %v", got)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"claude-3-5-sonnet-latest", 200_000},
		{"claude-3-opus-20240229", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"qwen2.5:7b", 32_768},
		{"my-custom-model", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantWindow)
			}
			if caps.MaxOutputTokens <= 0 {
				t.Error("expected positive MaxOutputTokens")
			}
		})
	}
}

func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	lower := modelCapabilities("claude-3-haiku")
	upper := modelCapabilities("CLAUDE-3-HAIKU")
	if lower != upper {
		t.Errorf("case should not matter: %+v vs %+v", lower, upper)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_WithAPIKey(t *testing.T) {
	p, err := New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.vendor != "anthropic" {
		t.Errorf("vendor = %q, want anthropic", p.vendor)
	}
}

// TestNew_Ollama_NoAPIKey checks that local inference works without a key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}
