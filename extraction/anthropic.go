package extraction

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
)

// AnthropicOptions configures an AnthropicProvider.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicProvider calls the Messages API with tool_choice pinned to the
// requested tool.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates a provider. SDK retries are disabled; Run
// owns the retry policy.
func NewAnthropicProvider(opts AnthropicOptions) *AnthropicProvider {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

// Complete sends req and parses the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: req.MaxTokens,
		Messages:  anthropicMessages(req.History),
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        req.Tool.Name,
				Description: anthropic.String(req.Tool.Description),
				InputSchema: anthropicSchema(req.Tool.Schema),
			},
		}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.Tool.Name},
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, goerr.Wrap(ErrTimeout, "anthropic request timed out", goerr.V("model", p.model))
		}
		return nil, goerr.Wrap(err, "anthropic request failed", goerr.V("model", p.model))
	}

	var text string
	for _, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			return &ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input}, nil
		case "text":
			text += block.Text
		}
	}
	if text == "" && len(resp.Content) == 0 {
		return &Malformed{Reason: "reply has no content blocks"}, nil
	}
	return &TextReply{Text: text}, nil
}

func anthropicSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	switch req := schema["required"].(type) {
	case []string:
		param.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				param.Required = append(param.Required, s)
			}
		}
	}
	return param
}

// anthropicMessages folds history into alternating turns. Consecutive
// entries of one role become blocks of a single message.
func anthropicMessages(history []Entry) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam
	var role Role
	var blocks []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}

	for _, e := range history {
		if e.Role != role {
			flush()
			role = e.Role
		}
		switch {
		case e.ToolCall != nil:
			blocks = append(blocks, anthropic.NewToolUseBlock(e.ToolCall.ID, toolInput(e.ToolCall.Arguments), e.ToolCall.Name))
		case e.ToolResult != nil:
			blocks = append(blocks, anthropic.NewToolResultBlock(e.ToolResult.CallID, e.ToolResult.Content, e.ToolResult.IsError))
		default:
			text := e.Text
			if text == "" {
				text = emptyReply
			}
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
	}
	flush()
	return msgs
}

// toolInput echoes arguments back as an object. Invalid JSON cannot be
// re-encoded, so it travels as a string field.
func toolInput(args json.RawMessage) any {
	if json.Valid(args) {
		var obj map[string]any
		if err := json.Unmarshal(args, &obj); err == nil && obj != nil {
			return obj
		}
	}
	return map[string]any{"raw": string(args)}
}
