package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/companion/internal/conversation"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/persona"
)

const (
	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second

	// wsQueueSize is the capacity of the per-connection outbound queue.
	wsQueueSize = 16

	// wsInboundSize is the number of client frames queued behind a running
	// turn. Until it fills, the reader keeps reading, so close and ping
	// frames are noticed mid-turn; once full, they wait for the turn.
	wsInboundSize = 8

	// wsReadLimit bounds a single inbound frame.
	wsReadLimit = maxBodyBytes
)

// wsConn is one accepted WebSocket connection.
//
// A reader goroutine feeds inbound frames to the handler loop, which
// processes them strictly in order. Outbound frames go through a queue that
// a single writer goroutine drains; the queue is never closed, and both
// sides select on ctx so nothing blocks after the peer is gone.
type wsConn struct {
	s         *Server
	conn      *websocket.Conn
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	out    chan any
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = s.newID()
	} else if !validSessionID(sessionID) {
		s.writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "session_id is too long")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.log.WarnContext(r.Context(), "server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	// The request context carries the trace; cancellation follows the
	// connection, not the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	c := &wsConn{
		s:         s,
		conn:      conn,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan any, wsQueueSize),
	}
	log := observe.Logger(ctx).With("session_id", sessionID)
	log.Info("server: websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	in := make(chan clientFrame, wsInboundSize)
	go c.readLoop(in)

	c.run(in)

	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("server: websocket disconnected")
}

// run greets the client and then handles frames until the reader stops.
func (c *wsConn) run(in <-chan clientFrame) {
	st, err := c.s.conv.Status(c.ctx, c.sessionID)
	if err != nil {
		c.sendError(err)
	} else {
		c.send(connectedFrame{Type: frameConnected, statusJSON: toStatusJSON(st)})
	}

	for f := range in {
		switch f.Type {
		case frameUserMessage:
			c.handleMessage(f)
		default:
			c.send(errorFrame{Type: frameError, errorJSON: errorJSON{
				Code:    codeInvalidRequest,
				Message: "unknown frame type " + f.Type,
			}})
		}
	}
}

func (c *wsConn) handleMessage(f clientFrame) {
	c.send(typingFrame{Type: frameTypingStart, SessionID: c.sessionID})
	reply, err := c.s.conv.Turn(c.ctx, conversation.Request{
		SessionID: c.sessionID,
		Message:   f.Message,
		PersonaID: persona.ID(f.PersonaID),
	})
	if err != nil {
		c.sendError(err)
	} else {
		c.send(responseFrame{Type: frameAIResponse, replyJSON: toReplyJSON(reply)})
	}
	c.send(typingFrame{Type: frameTypingEnd, SessionID: c.sessionID})
}

func (c *wsConn) sendError(err error) {
	code := conversation.Code(err)
	logFailure(c.ctx, httpStatus(code), "server: websocket turn failed",
		"session_id", c.sessionID, "code", code, "err", err)
	c.send(errorFrame{Type: frameError, errorJSON: errorJSON{Code: code, Message: publicMessage(code)}})
}

// send queues a frame. It returns false once the connection is gone.
func (c *wsConn) send(frame any) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// readLoop decodes inbound frames into in and closes it when the
// connection ends. It is the only sender on in.
func (c *wsConn) readLoop(in chan<- clientFrame) {
	defer close(in)
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.s.log.Debug("server: websocket read ended", "session_id", c.sessionID, "err", err)
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(errorFrame{Type: frameError, errorJSON: errorJSON{
				Code:    codeInvalidRequest,
				Message: "malformed JSON frame",
			}})
			continue
		}
		select {
		case in <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop is the only goroutine writing to the connection.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			data, err := json.Marshal(frame)
			if err != nil {
				c.s.log.Error("server: encode websocket frame", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.s.log.Debug("server: websocket write failed", "session_id", c.sessionID, "err", err)
				c.cancel()
				return
			}
		}
	}
}
