package server

import (
	"github.com/becomeliminal/codemem/capture"
)

// EventType names a frame sent by the host.
type EventType string

const (
	EventMessage     EventType = "message"
	EventTool        EventType = "tool"
	EventFileEdit    EventType = "file_edit"
	EventIdle        EventType = "idle"
	EventSessionEnd  EventType = "session_end"
	EventCaptureNow  EventType = "capture_now"
	EventPromptReply EventType = "prompt_reply"
)

// Event is a frame from the host runtime. Fields beyond Type and SessionID
// depend on the event.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`

	// Partition hints. Tag overrides the project tag derived from ProjectPath.
	UserEmail   string `json:"userEmail,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Tag         string `json:"tag,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`

	// file_edit
	Path string `json:"path,omitempty"`

	// prompt_reply
	RequestID string `json:"requestId,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FrameType names a frame sent to the host.
type FrameType string

const (
	FrameCapture FrameType = "capture"
	FramePrompt  FrameType = "prompt"
	FrameError   FrameType = "error"
)

// Frame is sent to the host.
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`

	// capture
	Status capture.Status `json:"status,omitempty"`
	Saved  int            `json:"saved,omitempty"`
	IDs    []string       `json:"ids,omitempty"`

	// prompt
	RequestID string `json:"requestId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	Error string `json:"error,omitempty"`
}

func captureFrame(r capture.Report) Frame {
	return Frame{
		Type:      FrameCapture,
		SessionID: r.SessionID,
		Status:    r.Status,
		Saved:     r.Saved,
		IDs:       r.IDs,
		Error:     r.Error,
	}
}
