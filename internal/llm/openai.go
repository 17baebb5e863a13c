package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIChat is the slice of go-openai the adapter calls.
type OpenAIChat interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI adapts the Chat Completions API to the Provider contract.
type OpenAI struct {
	chat  OpenAIChat
	model string
}

// NewOpenAI builds an adapter from an API key. baseURL is optional and covers
// OpenAI-compatible endpoints.
func NewOpenAI(apiKey, baseURL, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIFromChat(openai.NewClientWithConfig(cfg), model)
}

// NewOpenAIFromChat builds an adapter around an existing chat client.
func NewOpenAIFromChat(chat OpenAIChat, model string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if model == "" {
		return nil, errors.New("openai model is required")
	}
	return &OpenAI{chat: chat, model: model}, nil
}

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai" }

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	model := req.Model
	if model == "" {
		model = o.model
	}

	request := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		encoded, err := encodeOpenAIMessage(msg)
		if err != nil {
			return nil, err
		}
		request.Messages = append(request.Messages, encoded)
	}
	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	response, err := o.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return decodeOpenAIResponse(response), nil
}

func encodeOpenAIMessage(msg Message) (openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text}, nil
	case RoleAssistant:
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		return out, nil
	case RoleTool:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    msg.Text,
			ToolCallID: msg.ToolResultFor,
		}, nil
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai: unsupported role %q", msg.Role)
	}
}

func decodeOpenAIResponse(response openai.ChatCompletionResponse) *Response {
	resp := &Response{
		Usage: Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}
	if len(response.Choices) == 0 {
		return resp
	}
	choice := response.Choices[0]
	resp.Text = choice.Message.Content
	resp.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return resp
}
