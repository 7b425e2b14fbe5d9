package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/capture"
	"github.com/becomeliminal/codemem/logging"
)

// ErrNotConnected is returned when no host connection owns the session.
var ErrNotConnected = errors.New("session is not connected")

const writeTimeout = 10 * time.Second

// conn is one host websocket. Writes are serialized; gorilla allows a
// single concurrent writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Event
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, pending: make(map[string]chan Event)}
}

func (c *conn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) await(requestID string) chan Event {
	ch := make(chan Event, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *conn) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// resolve delivers a prompt reply. It reports whether anyone was waiting.
func (c *conn) resolve(ev Event) bool {
	c.mu.Lock()
	ch, ok := c.pending[ev.RequestID]
	delete(c.pending, ev.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- ev
	}
	return ok
}

// Hub routes frames to the connection that owns each session. It is the
// capture notifier and the session model for the host.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*conn
}

var (
	_ capture.Notifier     = (*Hub)(nil)
	_ capture.SessionModel = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

func (h *Hub) bind(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sessionID] = c
}

// release drops every session owned by c and returns their ids.
func (h *Hub) release(c *conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var released []string
	for sid, owner := range h.conns {
		if owner == c {
			delete(h.conns, sid)
			released = append(released, sid)
		}
	}
	return released
}

func (h *Hub) unbind(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sessionID)
}

func (h *Hub) lookup(sessionID string) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID]
}

// Connected reports whether a host owns the session.
func (h *Hub) Connected(sessionID string) bool {
	return h.lookup(sessionID) != nil
}

// Notify sends a capture frame to the session's host, if connected.
func (h *Hub) Notify(ctx context.Context, report capture.Report) {
	c := h.lookup(report.SessionID)
	if c == nil {
		return
	}
	if err := c.send(captureFrame(report)); err != nil {
		logging.Component(ctx, "server").Debug("capture notification not delivered", "session", report.SessionID, "error", err)
	}
}

// Prompt asks the host to run prompt through the session's own model and
// waits for the prompt_reply frame.
func (h *Hub) Prompt(ctx context.Context, sessionID, prompt string) (string, error) {
	c := h.lookup(sessionID)
	if c == nil {
		return "", goerr.Wrap(ErrNotConnected, "cannot prompt session model", goerr.V("session", sessionID))
	}

	requestID := uuid.NewString()
	reply := c.await(requestID)
	defer c.forget(requestID)

	if err := c.send(Frame{Type: FramePrompt, SessionID: sessionID, RequestID: requestID, Prompt: prompt}); err != nil {
		return "", goerr.Wrap(err, "failed to send prompt", goerr.V("session", sessionID))
	}

	select {
	case ev := <-reply:
		if ev.Error != "" {
			return "", goerr.New("session model failed", goerr.V("session", sessionID), goerr.V("error", ev.Error))
		}
		return ev.Text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
