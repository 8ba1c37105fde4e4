package llm

import (
	"context"
	"errors"
	"net"
)

// Failure classes for completion calls. Providers wrap one of these so the
// caller can tell a transient outage from a request that will never succeed.
var (
	// ErrUnavailable marks transient failures: network errors, timeouts,
	// 408/5xx responses, open circuit breakers. Eligible for retry.
	ErrUnavailable = errors.New("llm: backend unavailable")

	// ErrRejected marks requests the backend refused: bad credentials,
	// exhausted quota, invalid parameters. Retrying will not help.
	ErrRejected = errors.New("llm: backend rejected request")

	// ErrMalformedResponse marks replies that could not be turned into text.
	ErrMalformedResponse = errors.New("llm: malformed backend response")
)

// ClassifyStatus maps an HTTP status code returned by a completion endpoint
// to a failure class. It returns nil for 2xx codes.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 408 || code >= 500:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// IsTransport reports whether err looks like a network-level failure or a
// deadline that expired before the backend answered. Context cancellation by
// the caller is not a transport failure.
func IsTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
