package conversation

import (
	"context"
	"errors"

	"github.com/MrWong99/companion/internal/backend"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/pkg/provider/llm"
)

var (
	// ErrInvalidMessage is returned for empty or oversized user messages.
	ErrInvalidMessage = errors.New("conversation: invalid message")

	// ErrInvalidQuery is returned for an empty transcript search query.
	ErrInvalidQuery = errors.New("conversation: invalid search query")
)

// Stable error codes reported to clients.
const (
	CodeUnknownPersona     = "unknown_persona"
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidQuery       = "invalid_query"
	CodeBackendUnavailable = "backend_unavailable"
	CodeBackendRejected    = "backend_rejected"
	CodeBackendMalformed   = "backend_malformed"
	CodeCanceled           = "canceled"
	CodeInternal           = "internal"
)

// Code maps err to one of the stable error codes. Errors that match none of
// the known classes map to [CodeInternal].
func Code(err error) string {
	switch {
	case errors.Is(err, persona.ErrUnknownPersona):
		return CodeUnknownPersona
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, backend.ErrEmptyMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrInvalidQuery):
		return CodeInvalidQuery
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeBackendUnavailable
	case errors.Is(err, llm.ErrRejected):
		return CodeBackendRejected
	case errors.Is(err, llm.ErrMalformedResponse):
		return CodeBackendMalformed
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
