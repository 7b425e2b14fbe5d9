package extraction

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrTimeout marks a provider call that exceeded its deadline.
var ErrTimeout = errors.New("model call timed out")

// Tool is the single function the model is forced to call.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema of the arguments object.
	Schema map[string]any
}

// Request is one model call.
type Request struct {
	System    string
	History   []Entry
	Tool      Tool
	MaxTokens int64
}

// Response is what a provider parsed from the model reply: a *ToolCall, a
// *TextReply, or a *Malformed.
type Response interface {
	response()
}

// ToolCall is a function invocation. Arguments is the raw JSON the model
// produced and has not been validated.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// TextReply is a reply without any function call.
type TextReply struct {
	Text string
}

// Malformed is a reply the provider could not interpret.
type Malformed struct {
	Reason string
}

func (*ToolCall) response()  {}
func (*TextReply) response() {}
func (*Malformed) response() {}

// Provider sends one request to a model. Deadline errors should wrap
// ErrTimeout or context.DeadlineExceeded.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
