package config

import (
	"fmt"
	"slices"

	"github.com/MrWong99/companion/internal/emotion"
	"github.com/MrWong99/companion/internal/persona"
)

// BuildPersonas returns the persona registry described by cfg: the built-in
// personas with the custom entries applied on top.
func BuildPersonas(cfg PersonasConfig) (*persona.Registry, error) {
	list := persona.Builtin()
	index := make(map[persona.ID]int, len(list))
	for i, p := range list {
		index[p.ID] = i
	}

	for i, pc := range cfg.Custom {
		if pc.ID == "" {
			return nil, fmt.Errorf("personas.custom[%d].id is required", i)
		}
		id := persona.ID(pc.ID)
		if at, ok := index[id]; ok {
			list[at] = overlay(list[at], pc)
			continue
		}
		p := overlay(persona.Persona{ID: id, EmotionRange: emotion.FullRange}, pc)
		if p.DisplayName == "" {
			p.DisplayName = pc.ID
		}
		index[id] = len(list)
		list = append(list, p)
	}

	def := persona.ID(cfg.Default)
	if def == "" {
		def = persona.Gentle
	}
	reg, err := persona.NewRegistry(def, list...)
	if err != nil {
		return nil, fmt.Errorf("personas: %w", err)
	}
	return reg, nil
}

// overlay applies the fields set in pc to p.
func overlay(p persona.Persona, pc PersonaConfig) persona.Persona {
	if pc.DisplayName != "" {
		p.DisplayName = pc.DisplayName
	}
	if pc.Description != "" {
		p.Tone.Description = pc.Description
	}
	if pc.SpeechStyle != "" {
		p.Tone.SpeechStyle = pc.SpeechStyle
	}
	if len(pc.Traits) > 0 {
		p.Tone.Traits = slices.Clone(pc.Traits)
	}
	if len(pc.Keywords) > 0 {
		p.Tone.Keywords = slices.Clone(pc.Keywords)
	}
	if len(pc.Rules) > 0 {
		p.Tone.Rules = slices.Clone(pc.Rules)
	}
	if pc.EmotionRange != nil {
		p.EmotionRange = emotion.Range{Min: pc.EmotionRange.Min, Max: pc.EmotionRange.Max}
	}
	if pc.BaseLevel != nil {
		p.BaseLevel = *pc.BaseLevel
	}
	return p
}
