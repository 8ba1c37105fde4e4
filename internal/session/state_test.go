package session

import (
	"fmt"
	"testing"
	"time"
)

func turn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Unix(0, 0)}
}

func TestState_AppendEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	var st State
	for i := range 12 {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		st.Append(10, turn(role, fmt.Sprintf("t%d", i)))
	}

	if len(st.History) != 10 {
		t.Fatalf("len(History) = %d, want 10", len(st.History))
	}
	if st.History[0].Text != "t2" || st.History[9].Text != "t11" {
		t.Fatalf("History = [%s ... %s], want [t2 ... t11]", st.History[0].Text, st.History[9].Text)
	}
}

func TestState_AppendPairAtWindow(t *testing.T) {
	t.Parallel()
	var st State
	for i := range 6 {
		st.Append(10, turn(RoleUser, fmt.Sprintf("u%d", i)), turn(RoleAssistant, fmt.Sprintf("a%d", i)))
		if len(st.History) > 10 {
			t.Fatalf("after pair %d len = %d exceeds window", i, len(st.History))
		}
	}
	if st.History[0].Text != "u1" {
		t.Fatalf("oldest = %q, want u1", st.History[0].Text)
	}
}

func TestState_AppendDefaultWindow(t *testing.T) {
	t.Parallel()
	var st State
	for range DefaultWindow + 3 {
		st.Append(0, turn(RoleUser, "x"))
	}
	if len(st.History) != DefaultWindow {
		t.Fatalf("len = %d, want %d", len(st.History), DefaultWindow)
	}
}

func TestState_CloneIsIndependent(t *testing.T) {
	t.Parallel()
	st := State{History: []Turn{turn(RoleUser, "a")}}
	c := st.Clone()
	c.History[0].Text = "changed"
	c.Append(10, turn(RoleUser, "b"))

	if st.History[0].Text != "a" || len(st.History) != 1 {
		t.Fatalf("original mutated: %+v", st.History)
	}
}

func TestState_Recent(t *testing.T) {
	t.Parallel()
	st := State{History: []Turn{turn(RoleUser, "a"), turn(RoleAssistant, "b"), turn(RoleUser, "c")}}
	tests := []struct {
		n    int
		want int
	}{
		{0, 3},
		{2, 2},
		{3, 3},
		{5, 3},
	}
	for _, tt := range tests {
		if got := len(st.Recent(tt.n)); got != tt.want {
			t.Errorf("Recent(%d) len = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := st.Recent(1)[0].Text; got != "c" {
		t.Errorf("Recent(1) = %q, want c", got)
	}
}

func TestHashTurns(t *testing.T) {
	t.Parallel()
	a := []Turn{turn(RoleUser, "hi"), turn(RoleAssistant, "hello")}
	b := []Turn{
		{Role: RoleUser, Text: "hi", Timestamp: time.Now()},
		{Role: RoleAssistant, Text: "hello", Timestamp: time.Now()},
	}
	if HashTurns(a) != HashTurns(b) {
		t.Error("timestamps must not affect the hash")
	}
	swapped := []Turn{turn(RoleAssistant, "hi"), turn(RoleUser, "hello")}
	if HashTurns(a) == HashTurns(swapped) {
		t.Error("roles must affect the hash")
	}
	if HashTurns(nil) == HashTurns(a) {
		t.Error("empty history must differ from a non-empty one")
	}
}
