package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/codemem/logging"
)

// FailureKind classifies why Run gave up.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureExhausted FailureKind = "exhausted"
)

// Failure describes an unsuccessful Run.
type Failure struct {
	Kind       FailureKind
	Message    string
	Violations []Violation
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extraction %s: %s", f.Kind, f.Message)
}

// Outcome is the result of Run. Failure is nil on success.
type Outcome struct {
	Data       map[string]any
	Iterations int
	Failure    *Failure
}

// OK reports whether Run produced valid data.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Err returns the failure as an error, or nil.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Options bound a Run.
type Options struct {
	// MaxIterations caps model calls. Default 5.
	MaxIterations int

	// Timeout bounds each model call. Default 30s.
	Timeout time.Duration

	// MaxTokens caps each reply. Default 4096.
	MaxTokens int64
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	return o
}

// emptyReply stands in for an assistant turn with no text; providers reject
// empty content blocks.
const emptyReply = "(no response)"

// Run asks the model to call tool until its arguments satisfy rules.
// Every request and reply is appended to conv.
func Run(ctx context.Context, p Provider, conv *Conversation, tool Tool, rules Rules, opts Options) Outcome {
	opts = opts.withDefaults()
	logger := logging.Component(ctx, "extraction").With("session", conv.SessionID, "tool", tool.Name)

	var last []Violation
	for i := 1; i <= opts.MaxIterations; i++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		resp, err := p.Complete(callCtx, Request{
			System:    conv.System,
			History:   conv.Entries(),
			Tool:      tool,
			MaxTokens: opts.MaxTokens,
		})
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if timedOut || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("model call timed out", "iteration", i, "timeout", opts.Timeout)
				return Outcome{Iterations: i, Failure: &Failure{
					Kind:    FailureTimeout,
					Message: fmt.Sprintf("model call exceeded %s", opts.Timeout),
				}}
			}
			logger.Warn("model call failed", "iteration", i, "error", err)
			return Outcome{Iterations: i, Failure: &Failure{Kind: FailureTransport, Message: err.Error()}}
		}

		switch r := resp.(type) {
		case *ToolCall:
			conv.AddToolCall(*r)
			data, violations := decode(r, tool, rules)
			if len(violations) == 0 {
				conv.AddToolResult(r.ID, "Accepted.", false)
				logger.Debug("extraction accepted", "iteration", i)
				return Outcome{Data: data, Iterations: i}
			}
			last = violations
			conv.AddToolResult(r.ID, "Rejected:\n"+FormatViolations(violations), true)
			conv.AddUser(correctInvalid(tool, violations))
			logger.Debug("extraction rejected", "iteration", i, "violations", len(violations))

		case *TextReply:
			text := r.Text
			if text == "" {
				text = emptyReply
			}
			last = nil
			conv.AddAssistantText(text)
			conv.AddUser(correctMissingCall(tool))
			logger.Debug("model replied without calling tool", "iteration", i)

		case *Malformed:
			last = []Violation{{Message: r.Reason}}
			conv.AddAssistantText(emptyReply)
			conv.AddUser(correctMissingCall(tool))
			logger.Debug("malformed model reply", "iteration", i, "reason", r.Reason)

		default:
			return Outcome{Iterations: i, Failure: &Failure{
				Kind:    FailureTransport,
				Message: fmt.Sprintf("unexpected response type %T", resp),
			}}
		}
	}

	logger.Warn("extraction exhausted", "iterations", opts.MaxIterations)
	return Outcome{Iterations: opts.MaxIterations, Failure: &Failure{
		Kind:       FailureExhausted,
		Message:    fmt.Sprintf("no valid %s call after %d iterations", tool.Name, opts.MaxIterations),
		Violations: last,
	}}
}

func decode(call *ToolCall, tool Tool, rules Rules) (map[string]any, []Violation) {
	if call.Name != tool.Name {
		return nil, []Violation{{Message: fmt.Sprintf("unknown tool %q, call %s", call.Name, tool.Name)}}
	}

	var data any
	dec := json.NewDecoder(bytes.NewReader(call.Arguments))
	if err := dec.Decode(&data); err != nil {
		return nil, []Violation{{Message: "arguments are not valid JSON: " + err.Error()}}
	}
	if violations := Validate(data, rules); len(violations) > 0 {
		return nil, violations
	}
	return data.(map[string]any), nil
}

func correctInvalid(tool Tool, violations []Violation) string {
	return fmt.Sprintf("Your %s call was invalid:\n%s\n\nCall %s again with every problem fixed. Do not reply with text.",
		tool.Name, FormatViolations(violations), tool.Name)
}

func correctMissingCall(tool Tool) string {
	return fmt.Sprintf("You must respond by calling the %s tool with the complete result. Do not reply with text.", tool.Name)
}
