package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
)

// Candidate is one memory proposed by an Extractor.
type Candidate struct {
	Content string       `json:"content"`
	Type    string       `json:"type"`
	Scope   memory.Scope `json:"scope,omitempty"`
}

// ExtractRequest is the input to one extraction.
type ExtractRequest struct {
	SessionID   string
	Transcript  string
	MaxMemories int
}

// Extraction is what an Extractor produced.
type Extraction struct {
	Memories   []Candidate
	Iterations int

	// Fallback is set when the model reply could not be parsed and the
	// single memory holds a prefix of the raw reply.
	Fallback bool
}

// Extractor turns a transcript into candidate memories.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Extraction, error)
}

const systemPrompt = `You maintain the long-term memory of a coding assistant.
From each session excerpt, pick the facts that will still matter in future sessions:
user preferences, project configuration, architecture decisions, fixes for errors and recurring patterns.
Skip small talk, transient state and anything already obvious from the code.
Write every fact so it makes sense on its own.`

func instruction(req ExtractRequest) string {
	return fmt.Sprintf(`Session excerpt:
<transcript>
%s
</transcript>

Save at most %d memories by calling %s. Use type one of: %s. Use scope user for personal preferences and project for everything else.`,
		req.Transcript, req.MaxMemories, extraction.MemoryBatchToolName, strings.Join(memory.Types, ", "))
}

// DefaultHistoryBudget bounds a session's extraction history in tokens.
const DefaultHistoryBudget = 24000

// ToolExtractor runs the structured extraction protocol over a
// tool-calling provider. Each session keeps its model history across
// captures, trimmed to a token budget and reset after a failed run.
type ToolExtractor struct {
	provider extraction.Provider
	convs    *extraction.Conversations
	opts     extraction.Options

	historyBudget int
	count         TokenCounter
}

var _ Extractor = (*ToolExtractor)(nil)

// ToolExtractorOption configures a ToolExtractor.
type ToolExtractorOption func(*ToolExtractor)

// WithHistoryBudget bounds each session's history to tokens as measured
// by count.
func WithHistoryBudget(tokens int, count TokenCounter) ToolExtractorOption {
	return func(x *ToolExtractor) {
		if tokens > 0 {
			x.historyBudget = tokens
		}
		if count != nil {
			x.count = count
		}
	}
}

func NewToolExtractor(provider extraction.Provider, opts extraction.Options, xopts ...ToolExtractorOption) *ToolExtractor {
	x := &ToolExtractor{
		provider:      provider,
		convs:         extraction.NewConversations(),
		opts:          opts,
		historyBudget: DefaultHistoryBudget,
		count:         CharCounter,
	}
	for _, opt := range xopts {
		opt(x)
	}
	return x
}

func (x *ToolExtractor) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	conv := x.convs.Get(req.SessionID, systemPrompt)
	conv.AddUser(instruction(req))
	if dropped := conv.Trim(x.historyBudget, x.count); dropped > 0 {
		logging.Component(ctx, "capture").Debug("extraction history trimmed",
			"session", req.SessionID, "dropped", dropped, "kept", conv.Len())
	}

	out := extraction.Run(ctx, x.provider, conv, extraction.MemoryBatchTool(req.MaxMemories), extraction.MemoryBatchRules, x.opts)
	if !out.OK() {
		// The failed exchange is not replayed into later captures.
		x.convs.Reset(req.SessionID)
		return Extraction{Iterations: out.Iterations}, goerr.Wrap(out.Err(), "extraction failed",
			goerr.V("session", req.SessionID), goerr.V("iterations", out.Iterations))
	}
	return Extraction{Memories: candidates(out.Data), Iterations: out.Iterations}, nil
}

// Forget drops the session's model history.
func (x *ToolExtractor) Forget(sessionID string) {
	x.convs.Drop(sessionID)
}

// candidates reads validated memory batch arguments.
func candidates(data map[string]any) []Candidate {
	items, _ := data["memories"].([]any)
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := obj["content"].(string)
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		typ, _ := obj["type"].(string)
		scope, _ := obj["scope"].(string)
		out = append(out, Candidate{Content: content, Type: typ, Scope: memory.Scope(scope)})
	}
	return out
}

// SessionModel prompts the host session's own model.
type SessionModel interface {
	Prompt(ctx context.Context, sessionID, prompt string) (string, error)
}

// SessionExtractor asks the session model for a free-form JSON reply.
// Replies that do not parse are kept as a single fallback memory.
type SessionExtractor struct {
	model          SessionModel
	timeout        time.Duration
	fallbackPrefix int
}

var _ Extractor = (*SessionExtractor)(nil)

// ErrSessionTimeout is returned when the session model does not answer in time.
var ErrSessionTimeout = errors.New("session model timed out")

// NewSessionExtractor creates an extractor. fallbackPrefix bounds the
// fallback memory in runes.
func NewSessionExtractor(model SessionModel, timeout time.Duration, fallbackPrefix int) *SessionExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if fallbackPrefix <= 0 {
		fallbackPrefix = 500
	}
	return &SessionExtractor{model: model, timeout: timeout, fallbackPrefix: fallbackPrefix}
}

func (x *SessionExtractor) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	logger := logging.Component(ctx, "capture").With("session", req.SessionID)

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	reply, err := x.model.Prompt(callCtx, req.SessionID, systemPrompt+"\n\n"+jsonInstruction(req))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Extraction{Iterations: 1}, goerr.Wrap(ErrSessionTimeout, "session prompt timed out", goerr.V("timeout", x.timeout))
		}
		return Extraction{Iterations: 1}, goerr.Wrap(err, "session prompt failed")
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Extraction{Iterations: 1}, nil
	}

	data, ok := parseReply(reply)
	if !ok {
		logger.Warn("session reply is not JSON, keeping fallback", "length", len(reply))
		return Extraction{
			Memories:   []Candidate{{Content: truncate(reply, x.fallbackPrefix), Type: memory.TypeConversation, Scope: memory.ScopeProject}},
			Iterations: 1,
			Fallback:   true,
		}, nil
	}
	if violations := extraction.Validate(data, extraction.MemoryBatchRules); len(violations) > 0 {
		logger.Debug("session reply has invalid entries", "violations", len(violations))
	}

	found := candidates(data)
	if req.MaxMemories > 0 && len(found) > req.MaxMemories {
		found = found[:req.MaxMemories]
	}
	return Extraction{Memories: found, Iterations: 1}, nil
}

func jsonInstruction(req ExtractRequest) string {
	return fmt.Sprintf(`Session excerpt:
<transcript>
%s
</transcript>

Reply with JSON only, no prose, in exactly this shape:
{"memories": [{"content": "...", "type": "%s", "scope": "project"}]}
Save at most %d memories. type is one of: %s. scope is user or project. Use an empty list when nothing is worth saving.`,
		req.Transcript, memory.TypeLearnedPattern, req.MaxMemories, strings.Join(memory.Types, ", "))
}

// parseReply extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func parseReply(reply string) (map[string]any, bool) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &data); err != nil {
		return nil, false
	}
	if _, ok := data["memories"].([]any); !ok {
		return nil, false
	}
	return data, true
}
