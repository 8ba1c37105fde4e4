package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{204, nil},
		{400, ErrRejected},
		{401, ErrRejected},
		{403, ErrRejected},
		{408, ErrUnavailable},
		{429, ErrRejected},
		{500, ErrUnavailable},
		{502, ErrUnavailable},
		{503, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			if got := ClassifyStatus(tt.code); got != tt.want {
				t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"net", &net.DNSError{Err: "no such host", Name: "api.example"}, true},
		{"plain", errors.New("bad json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransport(tt.err); got != tt.want {
				t.Errorf("IsTransport(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "12345678"},
		{Role: RoleAssistant, Content: ""},
	}
	// 8 chars -> 2 tokens + 4 overhead; empty -> 0 + 4 overhead.
	if got := EstimateTokens(msgs); got != 10 {
		t.Errorf("EstimateTokens = %d, want 10", got)
	}
}
