// Package server exposes the conversation manager over JSON HTTP and a
// WebSocket endpoint.
//
// Every route is wrapped in [observe.Middleware] individually so metrics and
// spans are labelled with the route pattern rather than the raw path.
// Errors are reported as {"error":{"code":...,"message":...}} with the codes
// defined by the conversation package.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/companion/internal/conversation"
	"github.com/MrWong99/companion/internal/health"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/internal/session"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 64 << 10

	// maxSessionIDLength bounds client-supplied session ids.
	maxSessionIDLength = 128

	// codeInvalidRequest is reported for malformed bodies and parameters.
	codeInvalidRequest = "invalid_request"

	// statusClientClosedRequest is the non-standard status for requests the
	// client abandoned.
	statusClientClosedRequest = 499

	defaultSummaryDays = 7
	defaultMemoryLimit = 10
)

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// WebSocket connections. Same-origin connections are always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithIDGenerator replaces the session id generator used when a client
// does not supply one.
func WithIDGenerator(gen func() string) Option {
	return func(s *Server) { s.newID = gen }
}

// WithClock replaces time.Now for relative time windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server routes HTTP and WebSocket traffic to a [conversation.Manager].
type Server struct {
	conv           *conversation.Manager
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	log            *slog.Logger
	originPatterns []string
	newID          func() string
	now            func() time.Time
}

// New creates a Server.
func New(conv *conversation.Manager, opts ...Option) *Server {
	s := &Server{conv: conv, newID: uuid.NewString, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mw := observe.Middleware(s.metrics)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, mw(h))
	}

	handle("POST /api/chat", s.chat)
	handle("GET /api/personas", s.personas)
	handle("GET /api/sessions/{id}", s.status)
	handle("PUT /api/sessions/{id}/persona", s.setPersona)
	handle("GET /api/sessions/{id}/history", s.history)
	handle("DELETE /api/sessions/{id}/history", s.clearHistory)
	handle("DELETE /api/sessions/{id}", s.endSession)
	handle("GET /api/sessions/{id}/summary", s.summary)
	handle("GET /api/sessions/{id}/memories", s.memories)
	handle("GET /api/history/search", s.search)
	handle("POST /api/llm/test", s.llmTest)
	handle("GET /ws", s.serveWS)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		body.SessionID = s.newID()
	} else if !validSessionID(body.SessionID) {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "session_id is too long")
		return
	}

	reply, err := s.conv.Turn(r.Context(), conversation.Request{
		SessionID: body.SessionID,
		Message:   body.Message,
		PersonaID: persona.ID(body.PersonaID),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReplyJSON(reply))
}

func (s *Server) personas(w http.ResponseWriter, _ *http.Request) {
	list := s.conv.Personas()
	out := make([]personaJSON, len(list))
	for i, p := range list {
		out[i] = toPersonaJSON(p)
	}
	writeJSON(w, http.StatusOK, personasResponse{Personas: out})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	st, err := s.conv.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusJSON(st))
}

func (s *Server) setPersona(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var body personaRequest
	if !s.decode(w, r, &body) {
		return
	}
	st, err := s.conv.SetPersona(r.Context(), id, persona.ID(body.PersonaID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusJSON(st))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	turns, err := s.conv.History(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]turnJSON, len(turns))
	for i, t := range turns {
		out[i] = turnJSON{Role: string(t.Role), Text: t.Text, Timestamp: t.Timestamp}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, History: out})
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.conv.ClearHistory(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	existed, err := s.conv.End(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endResponse{SessionID: id, Ended: existed})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	recs, err := s.conv.Search(r.Context(), q.Get("q"), session.SearchOptions{
		SessionID: q.Get("session_id"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: toRecordsJSON(recs)})
}

// summary aggregates the session over the last ?days= days (default 7,
// 0 for all time).
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	days, ok := s.intParam(w, r, "days", defaultSummaryDays)
	if !ok {
		return
	}
	var since time.Time
	if days > 0 {
		since = s.now().AddDate(0, 0, -days)
	}
	sum, err := s.conv.Summary(r.Context(), id, since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(id, days, sum))
}

func (s *Server) memories(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	limit, ok := s.intParam(w, r, "limit", defaultMemoryLimit)
	if !ok {
		return
	}
	recs, err := s.conv.Memories(r.Context(), id, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memoriesResponse{SessionID: id, Memories: toRecordsJSON(recs)})
}

func (s *Server) llmTest(w http.ResponseWriter, r *http.Request) {
	reply, err := s.conv.Ping(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, llmTestResponse{Reply: reply})
}

// sessionID extracts and validates the {id} path value.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validSessionID(id) {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid session id")
		return "", false
	}
	return id, true
}

// limit parses the optional ?limit= parameter. Zero means no limit.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	return s.intParam(w, r, "limit", 0)
}

// intParam parses an optional non-negative integer query parameter.
func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func validSessionID(id string) bool {
	return strings.TrimSpace(id) != "" && len(id) <= maxSessionIDLength
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "malformed JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, msg)
		return false
	}
	return true
}

// fail maps err to its stable code and HTTP status. The client sees only
// the fixed message of the code; the full error chain is logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := conversation.Code(err)
	status := httpStatus(code)
	logFailure(r.Context(), status, "server: request failed", "path", r.URL.Path, "code", code, "err", err)
	s.writeError(w, r, status, code, publicMessage(code))
}

// errorMessages holds the client-facing text of each error code.
var errorMessages = map[string]string{
	conversation.CodeUnknownPersona:     "unknown persona",
	conversation.CodeInvalidMessage:     "message must be non-empty and within the length limit",
	conversation.CodeInvalidQuery:       "search query must be non-empty",
	conversation.CodeBackendUnavailable: "the companion is unavailable, try again later",
	conversation.CodeBackendRejected:    "the companion could not answer this message",
	conversation.CodeBackendMalformed:   "the companion returned an unusable reply",
	conversation.CodeCanceled:           "request canceled",
	codeInvalidRequest:                  "invalid request",
}

func publicMessage(code string) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "internal error"
}

// logFailure logs server-side failures at error level and client
// mistakes at debug level.
func logFailure(ctx context.Context, status int, msg string, args ...any) {
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	observe.Logger(ctx).Log(ctx, level, msg, args...)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	observe.Logger(r.Context()).DebugContext(r.Context(), "server: error response",
		"path", r.URL.Path, "status", status, "code", code)
	writeJSON(w, status, errorResponse{Error: errorJSON{Code: code, Message: msg}})
}

// httpStatus returns the HTTP status for an error code.
func httpStatus(code string) int {
	switch code {
	case conversation.CodeUnknownPersona:
		return http.StatusNotFound
	case conversation.CodeInvalidMessage, conversation.CodeInvalidQuery, codeInvalidRequest:
		return http.StatusBadRequest
	case conversation.CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case conversation.CodeBackendRejected, conversation.CodeBackendMalformed:
		return http.StatusBadGateway
	case conversation.CodeCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}
