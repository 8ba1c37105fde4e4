package persona

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/companion/internal/emotion"
)

func newBuiltinRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(Gentle, Builtin()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)

	p, err := r.Get(Gentle)
	if err != nil {
		t.Fatalf("Get(gentle): %v", err)
	}
	if p.EmotionRange != (emotion.Range{Min: 0, Max: 3}) {
		t.Errorf("gentle range = %v, want [0,3]", p.EmotionRange)
	}

	_, err = r.Get("tsundere")
	if !errors.Is(err, ErrUnknownPersona) {
		t.Fatalf("Get(tsundere) err = %v, want ErrUnknownPersona", err)
	}
}

func TestRegistry_ListPreservesOrder(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	var ids []ID
	for _, p := range r.List() {
		ids = append(ids, p.ID)
	}
	want := []ID{Gentle, Elegant, Sweet, Devoted}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	p, _ := r.Get(Sweet)
	p.Tone.Keywords[0] = "mutated"
	p.DisplayName = "mutated"

	again, _ := r.Get(Sweet)
	if again.Tone.Keywords[0] == "mutated" || again.DisplayName == "mutated" {
		t.Fatal("registry persona was mutated through a returned value")
	}
}

func TestRegistry_OverrideReplacesInPlace(t *testing.T) {
	t.Parallel()
	override := Persona{
		ID:           Elegant,
		DisplayName:  "Ice Queen",
		EmotionRange: emotion.Range{Min: 0, Max: 0},
	}
	extra := Persona{ID: "tsundere", DisplayName: "Prickly", EmotionRange: emotion.FullRange, BaseLevel: 1}

	r, err := NewRegistry(Gentle, append(Builtin(), override, extra)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	list := r.List()
	if len(list) != 5 {
		t.Fatalf("expected 5 personas, got %d", len(list))
	}
	if list[1].ID != Elegant || list[1].DisplayName != "Ice Queen" {
		t.Errorf("override not applied in place: %+v", list[1])
	}
	if !r.Has("tsundere") {
		t.Error("extra persona missing")
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		defaultID ID
		personas  []Persona
	}{
		{"empty", Gentle, nil},
		{"unknown default", "nobody", Builtin()},
		{"empty id", Gentle, append(Builtin(), Persona{DisplayName: "x", EmotionRange: emotion.FullRange})},
		{"inverted range", Gentle, append(Builtin(), Persona{ID: "x", DisplayName: "x", EmotionRange: emotion.Range{Min: 3, Max: 1}})},
		{"base outside range", Gentle, append(Builtin(), Persona{ID: "x", DisplayName: "x", EmotionRange: emotion.Range{Min: 0, Max: 1}, BaseLevel: 2})},
		{"default excludes starting level", Devoted, Builtin()},
		{"range beyond max", Gentle, append(Builtin(), Persona{ID: "x", DisplayName: "x", EmotionRange: emotion.Range{Min: 0, Max: 5}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.defaultID, tt.personas...); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegistry_Default(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(Sweet, Builtin()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := r.Default().ID; got != Sweet {
		t.Errorf("Default() = %s, want sweet", got)
	}
}

func TestPrompt(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	p, _ := r.Get(Devoted)

	got, err := Prompt(p, 3)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	for _, want := range []string{
		"Devoted Companion",
		p.Tone.SpeechStyle,
		"Emotion level: 3/4",
		emotion.Describe(3),
		"Keywords: mine, only me",
		"1. Never break character",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestPrompt_OmitsEmptySections(t *testing.T) {
	t.Parallel()
	p := Persona{ID: "bare", DisplayName: "Bare", EmotionRange: emotion.FullRange}
	got, err := Prompt(p, 0)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	for _, absent := range []string{"Traits:", "Keywords:", "Rules:"} {
		if strings.Contains(got, absent) {
			t.Errorf("prompt should not contain %q:\n%s", absent, got)
		}
	}
}
