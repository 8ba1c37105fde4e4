package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/companion/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "log_level"},
		{"tls without key", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"fallback without name", "providers:\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0].name"},
		{"unknown default persona", "personas:\n  default: pirate\n", "pirate"},
		{"tiny window", "conversation:\n  history_window: 1\n", "history_window"},
		{"context beyond window", "conversation:\n  history_window: 4\n  context_turns: 6\n", "context_turns"},
		{"temperature", "conversation:\n  temperature: 3\n", "temperature"},
		{"invalid classifier", "emotion:\n  classifier: sentiment\n", "emotion.classifier"},
		{"keyword without lists", "emotion:\n  classifier: keyword\n", "keywords"},
		{"invalid cache backend", "cache:\n  persistent:\n    backend: memcached\n", "cache.persistent.backend"},
		{"redis without addr", "cache:\n  persistent:\n    backend: redis\n", "cache.persistent.addr"},
		{"postgres without dsn", "cache:\n  persistent:\n    backend: postgres\n", "cache.persistent.dsn"},
		{"negative retries", "backend:\n  max_retries: -1\n", "max_retries"},
		{"backoff order", "backend:\n  initial_backoff: 5s\n  max_backoff: 1s\n", "max_backoff"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			yaml := "providers:\n  llm:\n    name: openai\n"
			if strings.HasPrefix(tc.yaml, "providers:") {
				yaml = tc.yaml
			} else {
				yaml += tc.yaml
			}
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
emotion:
  classifier: magic
cache:
  capacity: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"providers.llm.name", "log_level", "emotion.classifier", "cache.capacity"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_NoneBackendNeedsNothing(t *testing.T) {
	t.Parallel()
	yaml := "providers:\n  llm:\n    name: openai\ncache:\n  persistent:\n    backend: none\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Persistent.Path != "" {
		t.Errorf("path = %q, want empty for backend none", cfg.Cache.Persistent.Path)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	names, ok := config.ValidProviderNames["llm"]
	if !ok {
		t.Fatal("ValidProviderNames has no llm entry")
	}
	for _, want := range []string{"openai", "anthropic", "ollama"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("llm provider %q missing from ValidProviderNames", want)
		}
	}
}
