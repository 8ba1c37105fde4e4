// Package persona holds the companion's personality variants.
//
// A [Persona] is an immutable behavioural profile: how the companion talks,
// which keywords colour its replies, and which band of emotion levels it may
// occupy. The [Registry] is built once at startup from the built-in set plus
// any configured overrides and is read-only afterwards, so it is safe for
// concurrent use without locking.
package persona

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/companion/internal/emotion"
)

// ID identifies a persona. The built-in variants are declared as constants;
// configuration may register additional ids.
type ID string

// Built-in persona ids.
const (
	// Gentle is the private, intimate default variant.
	Gentle ID = "gentle"

	// Elegant is the reserved public-facing variant.
	Elegant ID = "elegant"

	// Sweet is openly affectionate and playful.
	Sweet ID = "sweet"

	// Devoted is the possessive variant that never drops below level 2.
	Devoted ID = "devoted"
)

// ErrUnknownPersona is returned when a persona id is not registered.
var ErrUnknownPersona = errors.New("persona: unknown persona")

// ToneProfile shapes how a persona speaks. All fields are injected into the
// system prompt.
type ToneProfile struct {
	// Description is a short characterisation of the persona.
	Description string

	// SpeechStyle describes vocabulary, register and mannerisms.
	SpeechStyle string

	// Traits are personality traits listed in the prompt.
	Traits []string

	// Keywords are words and motifs the persona likes to weave in.
	Keywords []string

	// Rules are hard constraints appended as a numbered list.
	Rules []string
}

// Persona is an immutable personality variant.
type Persona struct {
	ID          ID
	DisplayName string
	Tone        ToneProfile

	// EmotionRange is the band of levels this persona may occupy.
	EmotionRange emotion.Range

	// BaseLevel is the minimum level a session is lifted to when it switches
	// to this persona.
	BaseLevel int
}

// Validate checks the persona's invariants.
func (p Persona) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if p.DisplayName == "" {
		errs = append(errs, errors.New("display name must not be empty"))
	}
	if err := p.EmotionRange.Validate(); err != nil {
		errs = append(errs, err)
	} else if !p.EmotionRange.Contains(p.BaseLevel) {
		errs = append(errs, fmt.Errorf("base level %d outside range [%d,%d]", p.BaseLevel, p.EmotionRange.Min, p.EmotionRange.Max))
	}
	if len(errs) > 0 {
		return fmt.Errorf("persona %q: %w", p.ID, errors.Join(errs...))
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate registry-owned slices.
func (p Persona) clone() Persona {
	p.Tone.Traits = slices.Clone(p.Tone.Traits)
	p.Tone.Keywords = slices.Clone(p.Tone.Keywords)
	p.Tone.Rules = slices.Clone(p.Tone.Rules)
	return p
}

// Registry is the read-only table of personas.
type Registry struct {
	byID      map[ID]Persona
	order     []ID
	defaultID ID
}

// NewRegistry builds a Registry. Later personas with the same id as an
// earlier one replace it in place, which is how configured overrides take
// precedence over the built-ins. defaultID must name a registered persona
// whose range includes [emotion.MinLevel], the level new sessions start at.
func NewRegistry(defaultID ID, personas ...Persona) (*Registry, error) {
	r := &Registry{byID: make(map[ID]Persona, len(personas))}

	var errs []error
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := r.byID[p.ID]; !exists {
			r.order = append(r.order, p.ID)
		}
		r.byID[p.ID] = p.clone()
	}
	if len(r.order) == 0 {
		errs = append(errs, errors.New("persona: registry needs at least one persona"))
	}
	if d, ok := r.byID[defaultID]; !ok && len(r.order) > 0 {
		errs = append(errs, fmt.Errorf("persona: default %q: %w", defaultID, ErrUnknownPersona))
	} else if ok && !d.EmotionRange.Contains(emotion.MinLevel) {
		// New sessions start at MinLevel under the default persona.
		errs = append(errs, fmt.Errorf("persona: default %q: range [%d,%d] excludes the starting level %d",
			defaultID, d.EmotionRange.Min, d.EmotionRange.Max, emotion.MinLevel))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r.defaultID = defaultID
	return r, nil
}

// Get returns the persona registered under id.
func (r *Registry) Get(id ID) (Persona, error) {
	p, ok := r.byID[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p.clone(), nil
}

// List returns all personas in registration order.
func (r *Registry) List() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// Default returns the persona assigned to new sessions.
func (r *Registry) Default() Persona {
	return r.byID[r.defaultID].clone()
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	_, ok := r.byID[id]
	return ok
}
