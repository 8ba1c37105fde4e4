package cache

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	a := Fingerprint("gentle", 2, "ctx", "hello")
	b := Fingerprint("gentle", 2, "ctx", "hello")
	if a != b {
		t.Fatalf("same input gave %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("len = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_Sensitivity(t *testing.T) {
	t.Parallel()
	base := Fingerprint("gentle", 2, "ctx", "hello")
	tests := []struct {
		name string
		fp   string
	}{
		{"persona", Fingerprint("sweet", 2, "ctx", "hello")},
		{"level", Fingerprint("gentle", 3, "ctx", "hello")},
		{"context", Fingerprint("gentle", 2, "ctx2", "hello")},
		{"message", Fingerprint("gentle", 2, "ctx", "hello!")},
		{"field boundary", Fingerprint("gentle", 2, "ctxh", "ello")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fp == base {
				t.Fatalf("changing %s did not change the fingerprint", tt.name)
			}
		})
	}
}
