// Package emotion implements the companion's attachment level: a bounded
// integer in [MinLevel, MaxLevel] that moves by at most one step per turn in
// response to the affective signal of the user's message.
//
// All transitions are pure functions of (level, signal, range) so the level
// after turn N depends only on the level after turn N-1 and turn N's signal.
package emotion

import (
	"fmt"
	"strings"
)

// Level bounds shared by every persona.
const (
	MinLevel = 0
	MaxLevel = 4
)

// Signal is the affective classification of a single user message.
type Signal int

const (
	// Neutral leaves the level unchanged.
	Neutral Signal = iota

	// Affectionate raises the level by one, up to the persona's ceiling.
	Affectionate

	// Distant lowers the level by one, down to the persona's floor.
	Distant
)

// String returns the lower-case signal name.
func (s Signal) String() string {
	switch s {
	case Neutral:
		return "neutral"
	case Affectionate:
		return "affectionate"
	case Distant:
		return "distant"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ParseSignal parses a signal name as produced by Signal.String.
func ParseSignal(s string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "neutral":
		return Neutral, nil
	case "affectionate":
		return Affectionate, nil
	case "distant":
		return Distant, nil
	default:
		return Neutral, fmt.Errorf("emotion: unknown signal %q", s)
	}
}

// Range is the inclusive band of levels a persona may occupy.
type Range struct {
	Min int
	Max int
}

// FullRange spans every valid level.
var FullRange = Range{Min: MinLevel, Max: MaxLevel}

// Validate reports whether r lies within [MinLevel, MaxLevel] and is not
// inverted.
func (r Range) Validate() error {
	if r.Min < MinLevel || r.Max > MaxLevel {
		return fmt.Errorf("emotion: range [%d,%d] outside [%d,%d]", r.Min, r.Max, MinLevel, MaxLevel)
	}
	if r.Min > r.Max {
		return fmt.Errorf("emotion: range min %d exceeds max %d", r.Min, r.Max)
	}
	return nil
}

// Contains reports whether level is inside r.
func (r Range) Contains(level int) bool {
	return level >= r.Min && level <= r.Max
}

// Clamp forces level into r and into the global bounds.
func (r Range) Clamp(level int) int {
	lo, hi := max(r.Min, MinLevel), min(r.Max, MaxLevel)
	return min(max(level, lo), hi)
}

// Next returns the level after a turn with the given signal. Affectionate
// turns add one up to the range ceiling, distant turns subtract one down to
// the range floor, neutral turns change nothing. The result never differs
// from level by more than one, even when level lies outside r; moving a
// level into a persona's range is the job of [Enter].
func Next(level int, sig Signal, r Range) int {
	switch sig {
	case Affectionate:
		if level < min(r.Max, MaxLevel) {
			return level + 1
		}
	case Distant:
		if level > max(r.Min, MinLevel) {
			return level - 1
		}
	}
	return level
}

// Enter returns the level a session lands on when it switches to a persona
// with the given base level and range. The current level is kept when it is
// already above the base.
func Enter(level, base int, r Range) int {
	return r.Clamp(max(level, base))
}

var descriptions = [...]string{
	"calm: caring without pressure",
	"attentive: quietly wants a little more attention",
	"protective: openly caring and watchful",
	"devoted: deeply attached and hard to part from",
	"consumed: wants to be the only one that matters",
}

// Describe returns a short human-readable description of level.
func Describe(level int) string {
	if level < MinLevel || level > MaxLevel {
		return fmt.Sprintf("unknown level %d", level)
	}
	return descriptions[level]
}
