package extraction

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIOptions configures an OpenAIProvider. BaseURL may point at any
// OpenAI-compatible server.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIProvider calls Chat Completions with a named tool choice.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider with SDK retries disabled.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

// Complete sends req and parses the first choice.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: openaiMessages(req.System, req.History),
		Tools: []openai.ChatCompletionToolParam{{
			Function: shared.FunctionDefinitionParam{
				Name:        req.Tool.Name,
				Description: openai.String(req.Tool.Description),
				Parameters:  shared.FunctionParameters(req.Tool.Schema),
			},
		}},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.Tool.Name},
			},
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, goerr.Wrap(ErrTimeout, "openai request timed out", goerr.V("model", p.model))
		}
		return nil, goerr.Wrap(err, "openai request failed", goerr.V("model", p.model))
	}
	if len(resp.Choices) == 0 {
		return &Malformed{Reason: "reply has no choices"}, nil
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		return &ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: []byte(call.Function.Arguments),
		}, nil
	}
	return &TextReply{Text: msg.Content}, nil
}

func openaiMessages(system string, history []Entry) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, e := range history {
		switch {
		case e.ToolCall != nil:
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
						ID: e.ToolCall.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      e.ToolCall.Name,
							Arguments: string(e.ToolCall.Arguments),
						},
					}},
				},
			})
		case e.ToolResult != nil:
			msgs = append(msgs, openai.ToolMessage(e.ToolResult.Content, e.ToolResult.CallID))
		case e.Role == RoleAssistant:
			text := e.Text
			if text == "" {
				text = emptyReply
			}
			msgs = append(msgs, openai.AssistantMessage(text))
		default:
			msgs = append(msgs, openai.UserMessage(e.Text))
		}
	}
	return msgs
}
