// Package session owns per-conversation state: the active persona, the
// emotion level and a bounded history of turns.
//
// A [Store] hands out exclusive access to one session at a time through
// [Handle]s. Callers for the same session are served in arrival order;
// callers for different sessions never wait on each other. Idle sessions are
// evicted by [Store.Sweep].
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"
)

// DefaultWindow is the number of turn entries kept per session when no
// window is configured. A user message and its reply are two entries.
const DefaultWindow = 10

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable entry of a conversation history.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// State is the per-session conversation state.
type State struct {
	SessionID    string
	PersonaID    string
	EmotionLevel int
	History      []Turn
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.History = slices.Clone(s.History)
	return s
}

// Append adds turns to the history and drops the oldest entries so that at
// most window entries remain. A window <= 0 uses [DefaultWindow].
func (s *State) Append(window int, turns ...Turn) {
	if window <= 0 {
		window = DefaultWindow
	}
	s.History = append(s.History, turns...)
	if over := len(s.History) - window; over > 0 {
		s.History = slices.Delete(s.History, 0, over)
	}
}

// Recent returns the last n turns, or the whole history when n <= 0 or the
// history is shorter. The returned slice must not be modified.
func (s State) Recent(n int) []Turn {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// HashTurns returns a stable digest of the roles and texts of turns.
// Timestamps are not part of the digest.
func HashTurns(turns []Turn) string {
	h := sha256.New()
	var n [8]byte
	for _, t := range turns {
		for _, field := range []string{string(t.Role), t.Text} {
			binary.BigEndian.PutUint64(n[:], uint64(len(field)))
			h.Write(n[:])
			h.Write([]byte(field))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
