package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicMessages is the slice of the SDK the adapter calls; *sdk.MessageService
// satisfies it, and tests substitute a fake.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic adapts the Claude Messages API to the Provider contract.
type Anthropic struct {
	messages AnthropicMessages
	model    string
}

// NewAnthropic builds an adapter from an API key.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicFromMessages(&client.Messages, model)
}

// NewAnthropicFromMessages builds an adapter around an existing Messages
// client.
func NewAnthropicFromMessages(messages AnthropicMessages, model string) (*Anthropic, error) {
	if messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if model == "" {
		return nil, errors.New("anthropic model is required")
	}
	return &Anthropic{messages: messages, model: model}, nil
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return decodeAnthropicResponse(msg), nil
}

func (a *Anthropic) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	for _, msg := range req.Messages {
		encoded, err := encodeAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, encoded)
	}

	for _, tool := range req.Tools {
		schema, err := anthropicToolSchema(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", tool.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeAnthropicMessage(msg Message) (sdk.MessageParam, error) {
	switch msg.Role {
	case RoleUser:
		return sdk.NewUserMessage(sdk.NewTextBlock(msg.Text)), nil
	case RoleAssistant:
		var blocks []sdk.ContentBlockParamUnion
		if msg.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(msg.Text))
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Arguments, call.Name))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, sdk.NewTextBlock(""))
		}
		return sdk.NewAssistantMessage(blocks...), nil
	case RoleTool:
		// Tool results travel as user-role content blocks on the wire.
		return sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolResultFor, msg.Text, msg.IsError)), nil
	default:
		return sdk.MessageParam{}, fmt.Errorf("anthropic: unsupported role %q", msg.Role)
	}
}

func anthropicToolSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: fields}, nil
}

func decodeAnthropicResponse(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}
