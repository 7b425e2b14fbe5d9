package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/m-mizutani/goerr/v2"
)

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolUse is one tool invocation observed in the session.
type ToolUse struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FileEdit records a file the session touched.
type FileEdit struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is the activity collected since the last capture attempt.
type Buffer struct {
	SessionID       string
	IterationCount  int
	Messages        []Message
	Tools           []ToolUse
	FileEdits       []FileEdit
	LastCaptureTime time.Time
}

// Empty reports whether the buffer holds nothing worth extracting.
func (b Buffer) Empty() bool {
	return len(b.Messages) == 0 && len(b.Tools) == 0
}

func (b Buffer) clone() Buffer {
	b.Messages = append([]Message(nil), b.Messages...)
	b.Tools = append([]ToolUse(nil), b.Tools...)
	b.FileEdits = append([]FileEdit(nil), b.FileEdits...)
	return b
}

// sessionState owns one session's buffer and capturing flag.
type sessionState struct {
	mu        sync.Mutex
	buf       Buffer
	capturing bool
}

// Settings configure eligibility.
type Settings struct {
	Enabled bool

	// IterationThreshold is the idle count that makes a session eligible.
	// Zero disables the iteration trigger.
	IterationThreshold int

	// TimeThreshold makes a session eligible once this long has passed
	// since its last capture. Zero disables the time trigger.
	TimeThreshold time.Duration

	// IgnoreTools are glob patterns of tool names never buffered.
	IgnoreTools []string
}

// Stats is a point-in-time view of one session and the manager.
type Stats struct {
	SessionID       string    `json:"sessionId"`
	Enabled         bool      `json:"enabled"`
	Tracked         bool      `json:"tracked"`
	Capturing       bool      `json:"capturing"`
	IterationCount  int       `json:"iterationCount"`
	Messages        int       `json:"messages"`
	Tools           int       `json:"tools"`
	FileEdits       int       `json:"fileEdits"`
	LastCaptureTime time.Time `json:"lastCaptureTime,omitzero"`
	Sessions        int       `json:"sessions"`
}

// Buffers manages per-session capture buffers.
type Buffers struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	enabled       atomic.Bool
	iterThreshold int
	timeThreshold time.Duration
	ignore        []glob.Glob
	now           func() time.Time
}

// BuffersOption customizes a Buffers.
type BuffersOption func(*Buffers)

// WithBuffersClock overrides time.Now.
func WithBuffersClock(now func() time.Time) BuffersOption {
	return func(b *Buffers) { b.now = now }
}

// NewBuffers creates a manager. Invalid ignore patterns are an error.
func NewBuffers(settings Settings, opts ...BuffersOption) (*Buffers, error) {
	b := &Buffers{
		sessions:      make(map[string]*sessionState),
		iterThreshold: settings.IterationThreshold,
		timeThreshold: settings.TimeThreshold,
		now:           time.Now,
	}
	for _, pattern := range settings.IgnoreTools {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid ignore-tool pattern", goerr.V("pattern", pattern))
		}
		b.ignore = append(b.ignore, g)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.enabled.Store(settings.Enabled)
	return b, nil
}

// Enabled reports whether activity is being buffered.
func (b *Buffers) Enabled() bool {
	return b.enabled.Load()
}

// SetEnabled turns buffering on or off. Existing buffers are kept.
func (b *Buffers) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
}

// state returns the session's state, creating it when create is set.
// The time trigger counts from creation.
func (b *Buffers) state(sessionID string, create bool) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sessions[sessionID]
	if !ok && create {
		st = &sessionState{buf: Buffer{SessionID: sessionID, LastCaptureTime: b.now()}}
		b.sessions[sessionID] = st
	}
	return st
}

// AddMessage buffers a conversation turn.
func (b *Buffers) AddMessage(sessionID, role, content string) {
	if !b.Enabled() || content == "" {
		return
	}
	st := b.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buf.Messages = append(st.buf.Messages, Message{Role: role, Content: content, Timestamp: b.now()})
}

// AddTool buffers a tool invocation unless its name matches an ignore pattern.
func (b *Buffers) AddTool(sessionID, name string, args map[string]any, result string) {
	if !b.Enabled() || b.ignored(name) {
		return
	}
	st := b.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buf.Tools = append(st.buf.Tools, ToolUse{Name: name, Args: args, Result: result, Timestamp: b.now()})
}

func (b *Buffers) ignored(name string) bool {
	for _, g := range b.ignore {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// OnFileEdit records an edited path.
func (b *Buffers) OnFileEdit(sessionID, path string) {
	if !b.Enabled() || path == "" {
		return
	}
	st := b.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buf.FileEdits = append(st.buf.FileEdits, FileEdit{Path: path, Timestamp: b.now()})
}

// OnSessionIdle counts one iteration and reports whether the session is
// now eligible for capture.
func (b *Buffers) OnSessionIdle(sessionID string) bool {
	if !b.Enabled() {
		return false
	}
	st := b.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.buf.IterationCount++
	if st.capturing {
		return false
	}
	if b.iterThreshold > 0 && st.buf.IterationCount >= b.iterThreshold {
		return true
	}
	return b.timeThreshold > 0 && b.now().Sub(st.buf.LastCaptureTime) >= b.timeThreshold
}

// MarkCapturing moves the session into the capturing state. It returns
// false when a capture is already running for the session.
func (b *Buffers) MarkCapturing(sessionID string) bool {
	st := b.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.capturing {
		return false
	}
	st.capturing = true
	return true
}

// Capturing reports whether a capture is running for the session.
func (b *Buffers) Capturing(sessionID string) bool {
	st := b.state(sessionID, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.capturing
}

// ClearBuffer empties the session's buffer and leaves the capturing state.
func (b *Buffers) ClearBuffer(sessionID string) {
	st := b.state(sessionID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buf = Buffer{SessionID: sessionID, LastCaptureTime: b.now()}
	st.capturing = false
}

// Cleanup forgets the session.
func (b *Buffers) Cleanup(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Snapshot returns a copy of the session's buffer.
func (b *Buffers) Snapshot(sessionID string) (Buffer, bool) {
	st := b.state(sessionID, false)
	if st == nil {
		return Buffer{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.buf.clone(), true
}

// Sessions returns the number of tracked sessions.
func (b *Buffers) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Stats describes the session.
func (b *Buffers) Stats(sessionID string) Stats {
	stats := Stats{SessionID: sessionID, Enabled: b.Enabled(), Sessions: b.Sessions()}

	st := b.state(sessionID, false)
	if st == nil {
		return stats
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	stats.Tracked = true
	stats.Capturing = st.capturing
	stats.IterationCount = st.buf.IterationCount
	stats.Messages = len(st.buf.Messages)
	stats.Tools = len(st.buf.Tools)
	stats.FileEdits = len(st.buf.FileEdits)
	stats.LastCaptureTime = st.buf.LastCaptureTime
	return stats
}
