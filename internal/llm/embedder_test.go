package llm

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/teleton/internal/store"
)

type countingEmbedder struct {
	calls int
	texts int
}

func (e *countingEmbedder) Name() string   { return "fake" }
func (e *countingEmbedder) Model() string  { return "fake-embed" }
func (e *countingEmbedder) Dimension() int { return 3 }

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.texts += len(texts)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 0, 1}
	}
	return vectors, nil
}

func newEmbedderStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.EnsureVectorTables(ctx, 3); err != nil {
		t.Fatalf("EnsureVectorTables: %v", err)
	}
	return s
}

func TestCachedEmbedderServesHitsFromStore(t *testing.T) {
	s := newEmbedderStore(t)
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, s)
	ctx := context.Background()

	first, err := cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("first EmbedBatch: %v", err)
	}
	if inner.calls != 1 || inner.texts != 2 {
		t.Fatalf("provider saw calls=%d texts=%d, want 1/2", inner.calls, inner.texts)
	}

	// Second call: both vectors come from the cache, "gamma" is the only miss.
	second, err := cached.EmbedBatch(ctx, []string{"alpha", "gamma", "beta"})
	if err != nil {
		t.Fatalf("second EmbedBatch: %v", err)
	}
	if inner.calls != 2 || inner.texts != 3 {
		t.Fatalf("provider saw calls=%d texts=%d, want 2/3", inner.calls, inner.texts)
	}
	if second[0][0] != first[0][0] || second[2][0] != first[1][0] {
		t.Fatal("cached vectors differ from originals")
	}
}

func TestContentHashIsStable(t *testing.T) {
	if ContentHash("same text") != ContentHash("same text") {
		t.Fatal("hash not deterministic")
	}
	if ContentHash("a") == ContentHash("b") {
		t.Fatal("distinct inputs collide")
	}
}

type fakeChat struct {
	last openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = request
	return f.resp, nil
}

func TestOpenAIAdapterRoundTrip(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Content: "checking",
				ToolCalls: []openai.ToolCall{{
					ID:   "call-1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "web_search",
						Arguments: `{"query":"weather"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
	client, err := NewOpenAIFromChat(chat, "gpt-4o")
	if err != nil {
		t.Fatalf("NewOpenAIFromChat: %v", err)
	}

	resp, err := client.Complete(context.Background(), &Request{
		System: "be useful",
		Messages: []Message{
			{Role: RoleUser, Text: "what is the weather"},
			{Role: RoleAssistant, Text: "", ToolCalls: []ToolCall{{ID: "c0", Name: "noop", Arguments: []byte(`{}`)}}},
			{Role: RoleTool, Text: "done", ToolResultFor: "c0"},
		},
		Tools: []Tool{{Name: "web_search", Description: "search", InputSchema: []byte(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if chat.last.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first wire message role = %q, want system", chat.last.Messages[0].Role)
	}
	if len(chat.last.Tools) != 1 || chat.last.Tools[0].Function.Name != "web_search" {
		t.Fatalf("tools not encoded: %+v", chat.last.Tools)
	}
	if chat.last.Messages[3].ToolCallID != "c0" {
		t.Fatalf("tool result wire message = %+v", chat.last.Messages[3])
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "web_search" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}
