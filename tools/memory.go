// Package tools exposes the memory engine to assistants as an MCP tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/becomeliminal/codemem/capture"
	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/userprofile"
)

// MemoryToolName is the single tool registered by RegisterMemoryTool.
const MemoryToolName = "memory"

// Modes of the memory tool.
const (
	ModeAdd           = "add"
	ModeSearch        = "search"
	ModeList          = "list"
	ModeForget        = "forget"
	ModeProfile       = "profile"
	ModeCaptureToggle = "capture-toggle"
	ModeCaptureStats  = "capture-stats"
	ModeCaptureNow    = "capture-now"
)

var modes = []string{
	ModeAdd, ModeSearch, ModeList, ModeForget, ModeProfile,
	ModeCaptureToggle, ModeCaptureStats, ModeCaptureNow,
}

// MemoryInput are the arguments of the memory tool.
type MemoryInput struct {
	Mode      string   `json:"mode"`
	Content   string   `json:"content,omitempty"`
	Query     string   `json:"query,omitempty"`
	Type      string   `json:"type,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	ID        string   `json:"id,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Page      int      `json:"page,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// Deps are what the memory tool operates on. Capture and Profiles are
// optional.
type Deps struct {
	Engine      *memory.Engine
	Capture     *capture.Service
	Profiles    *userprofile.Store
	Tags        capture.Tags
	Attribution memory.Attribution

	// SessionID is used by capture modes when the call names none.
	SessionID string
}

func memorySchema() *jsonschema.Schema {
	return extraction.ObjectSchema(map[string]*jsonschema.Schema{
		"mode":      extraction.StringEnumProperty("Operation to perform.", modes...),
		"content":   extraction.StringProperty("Memory text, for add."),
		"query":     extraction.StringProperty("Search text, for search."),
		"type":      extraction.StringEnumProperty("Memory category, for add.", memory.Types...),
		"scope":     extraction.StringEnumProperty("user for personal memories, project for this codebase. Defaults to project, or user for profile.", extraction.Scopes...),
		"id":        extraction.StringProperty("Memory id, for forget."),
		"ids":       extraction.StringArrayProperty("Memory ids, for forget in bulk."),
		"limit":     extraction.IntegerProperty("Page size, for list."),
		"page":      extraction.IntegerProperty("1-based page, for list."),
		"sessionId": extraction.StringProperty("Session for capture-stats and capture-now."),
	}, "mode")
}

// RegisterMemoryTool adds the memory tool to server.
func RegisterMemoryTool(server *mcp.Server, deps Deps) {
	h := &handler{deps: deps}
	mcp.AddTool(server, &mcp.Tool{
		Name:        MemoryToolName,
		Description: "Long-term memory for this assistant: save facts, search them, list or forget them, read the profile, and control auto-capture.",
		InputSchema: memorySchema(),
	}, h.call)
}

type handler struct {
	deps Deps
}

func (h *handler) call(ctx context.Context, _ *mcp.CallToolRequest, in *MemoryInput) (*mcp.CallToolResult, any, error) {
	e := h.deps.Engine

	switch in.Mode {
	case ModeAdd:
		res := e.Add(ctx, in.Content, h.tag(in.Scope, memory.ScopeProject), memory.AddOptions{
			Type:        in.Type,
			Metadata:    map[string]any{"source": "tool"},
			Attribution: h.deps.Attribution,
		})
		return result(res, res.Success, res.Error)

	case ModeSearch:
		res := e.Search(ctx, in.Query, h.tag(in.Scope, memory.ScopeProject))
		if !res.Success || len(res.Data.Results) == 0 {
			return result(res, res.Success, res.Error)
		}
		out, _, err := result(res, true, "")
		if err == nil {
			out.Content = append([]mcp.Content{&mcp.TextContent{Text: memory.FormatContext(res.Data.Results)}}, out.Content...)
		}
		return out, nil, err

	case ModeList:
		res := e.List(ctx, h.tag(in.Scope, memory.ScopeProject), in.Limit, in.Page)
		return result(res, res.Success, res.Error)

	case ModeForget:
		if len(in.IDs) > 0 {
			res := e.BulkDelete(ctx, in.IDs)
			return result(res, res.Success, res.Error)
		}
		res := e.Delete(ctx, in.ID)
		return result(res, res.Success, res.Error)

	case ModeProfile:
		return h.profile(ctx, in)

	case ModeCaptureToggle:
		if h.deps.Capture == nil {
			return toolError("auto-capture is not configured")
		}
		return result(map[string]bool{"enabled": h.deps.Capture.Toggle()}, true, "")

	case ModeCaptureStats:
		if h.deps.Capture == nil {
			return toolError("auto-capture is not configured")
		}
		return result(h.deps.Capture.Stats(h.session(in)), true, "")

	case ModeCaptureNow:
		if h.deps.Capture == nil {
			return toolError("auto-capture is not configured")
		}
		report := h.deps.Capture.ForceCapture(ctx, h.session(in), h.deps.Tags)
		return result(report, report.Status != capture.StatusFailed, report.Error)

	default:
		return toolError(fmt.Sprintf("unknown mode %q, use one of: %s", in.Mode, strings.Join(modes, ", ")))
	}
}

type profileView struct {
	memory.ProfileData
	Learned *userprofile.Profile `json:"learned,omitempty"`
}

func (h *handler) profile(ctx context.Context, in *MemoryInput) (*mcp.CallToolResult, any, error) {
	res := h.deps.Engine.Profile(ctx, h.tag(in.Scope, memory.ScopeUser))
	if !res.Success {
		return result(res, false, res.Error)
	}
	view := profileView{ProfileData: res.Data}
	if h.deps.Profiles != nil && h.deps.Tags.User != "" {
		if learned, err := h.deps.Profiles.Get(ctx, h.deps.Tags.User); err == nil {
			view.Learned = learned
		}
	}
	return result(view, true, "")
}

func (h *handler) tag(scope string, fallback memory.Scope) string {
	s := memory.Scope(scope)
	if s != memory.ScopeUser && s != memory.ScopeProject {
		s = fallback
	}
	return h.deps.Tags.For(s)
}

func (h *handler) session(in *MemoryInput) string {
	if in.SessionID != "" {
		return in.SessionID
	}
	return h.deps.SessionID
}

// result renders v as indented JSON. Failures are tool errors so the model
// sees the message.
func result(v any, success bool, message string) (*mcp.CallToolResult, any, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	out := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}
	if !success {
		out.IsError = true
		if message != "" {
			out.Content = append([]mcp.Content{&mcp.TextContent{Text: message}}, out.Content...)
		}
	}
	return out, nil, nil
}

func toolError(message string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}, nil, nil
}
