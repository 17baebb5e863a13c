// Package llm defines the model-provider contract the agent loop drives and
// the adapters implementing it. Providers translate the neutral request and
// response shapes into their SDK's wire types; the loop never sees SDK types.
package llm

import (
	"context"
	"encoding/json"
)

// Role labels a conversation message. The system prompt travels separately in
// Request.System.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one conversation entry. Assistant messages may carry tool calls;
// tool messages answer one call via ToolResultFor.
type Message struct {
	Role          Role
	Text          string
	ToolCalls     []ToolCall
	ToolResultFor string
	IsError       bool
}

// Tool describes one callable capability advertised to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's answer: assistant text, zero or more tool calls,
// and accounting.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Embedder turns text into vectors for the hybrid search branches.
type Embedder interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
