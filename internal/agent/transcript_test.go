package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
)

func registryWith(t *testing.T, defs ...tools.Definition) *tools.Registry {
	t.Helper()
	s := newAgentStore(t)
	registry := tools.NewRegistry(s)
	for _, def := range defs {
		if err := registry.Register(def, tools.ExecutorFunc(func(context.Context, json.RawMessage, tools.Invocation) (*tools.Result, error) {
			return &tools.Result{}, nil
		})); err != nil {
			t.Fatalf("Register(%s): %v", def.Name, err)
		}
	}
	return registry
}

func assistantWithCall(callID, toolName string) *store.Message {
	return &store.Message{
		Role: store.RoleAssistant,
		ToolCalls: encodeToolCalls([]llm.ToolCall{
			{ID: callID, Name: toolName, Arguments: json.RawMessage(`{}`)},
		}),
	}
}

func TestBuildConversationDropsOrphanToolResults(t *testing.T) {
	registry := registryWith(t)
	history := []*store.Message{
		{Role: store.RoleUser, Text: "hi"},
		// Tool result with no preceding assistant call: a partially
		// persisted turn left this behind.
		{Role: store.RoleTool, Text: "stale", ToolResultFor: "ghost-call"},
		{Role: store.RoleAssistant, Text: "hello"},
	}
	conv := buildConversation(history, registry)
	if len(conv) != 2 {
		t.Fatalf("conv = %+v, want orphan dropped", conv)
	}
	for _, msg := range conv {
		if msg.Role == llm.RoleTool {
			t.Fatalf("orphan tool result survived: %+v", msg)
		}
	}
}

func TestBuildConversationMasksStaleActionResults(t *testing.T) {
	registry := registryWith(t,
		tools.Definition{Name: "do_thing", Description: "d", Module: "m", Scope: tools.ScopeAlways, Category: tools.CategoryAction},
		tools.Definition{Name: "read_thing", Description: "d", Module: "m", Scope: tools.ScopeAlways, Category: tools.CategoryData},
	)

	// Two old tool exchanges followed by enough recent messages to push them
	// past the unmasked window.
	history := []*store.Message{
		assistantWithCall("a1", "do_thing"),
		{Role: store.RoleTool, Text: "side effect log", ToolResultFor: "a1"},
		assistantWithCall("a2", "read_thing"),
		{Role: store.RoleTool, Text: "important data", ToolResultFor: "a2"},
	}
	for i := 0; i < recentUnmasked; i++ {
		history = append(history, &store.Message{Role: store.RoleUser, Text: fmt.Sprintf("filler %d", i)})
	}

	conv := buildConversation(history, registry)
	var action, data string
	for _, msg := range conv {
		switch msg.ToolResultFor {
		case "a1":
			action = msg.Text
		case "a2":
			data = msg.Text
		}
	}
	if action != maskedPlaceholder {
		t.Fatalf("action result = %q, want masked", action)
	}
	if data != "important data" {
		t.Fatalf("data-bearing result = %q, want kept verbatim", data)
	}
}

func TestBuildConversationKeepsRecentResultsVerbatim(t *testing.T) {
	registry := registryWith(t,
		tools.Definition{Name: "do_thing", Description: "d", Module: "m", Scope: tools.ScopeAlways, Category: tools.CategoryAction},
	)
	history := []*store.Message{
		{Role: store.RoleUser, Text: "please"},
		assistantWithCall("a1", "do_thing"),
		{Role: store.RoleTool, Text: "fresh output", ToolResultFor: "a1"},
	}
	conv := buildConversation(history, registry)
	var got string
	for _, msg := range conv {
		if msg.ToolResultFor == "a1" {
			got = msg.Text
		}
	}
	if got != "fresh output" {
		t.Fatalf("recent result = %q, want untouched", got)
	}
}

func TestEncodeDecodeToolCallsRoundTrip(t *testing.T) {
	calls := []llm.ToolCall{
		{ID: "c1", Name: "alpha", Arguments: json.RawMessage(`{"x":1}`)},
		{ID: "c2", Name: "beta", Arguments: json.RawMessage(`{}`)},
	}
	decoded := decodeToolCalls(encodeToolCalls(calls))
	if len(decoded) != 2 || decoded[0].ID != "c1" || decoded[1].Name != "beta" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decodeToolCalls("") != nil {
		t.Fatal("empty string should decode to nil")
	}
	if decodeToolCalls("not json") != nil {
		t.Fatal("garbage should decode to nil")
	}
}

func TestSanitizeIdentity(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Ada", "Ada"},
		{"markup stripped", "<b>Ada</b> # root", "bAda/b root"},
		{"control chars become spaces", "Ada\x00\nLovelace", "Ada Lovelace"},
		{"whitespace collapsed", "  Ada   Lovelace  ", "Ada Lovelace"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeIdentity(tt.input); got != tt.want {
				t.Fatalf("SanitizeIdentity(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	long := strings.Repeat("x", maxIdentityLength+50)
	if got := SanitizeIdentity(long); len(got) != maxIdentityLength {
		t.Fatalf("long identity length = %d, want %d", len(got), maxIdentityLength)
	}
}

func TestSystemPromptSections(t *testing.T) {
	r := &Runtime{config: Config{
		Strategy:  "answer briefly",
		AgentName: "Tele<ton>",
		OwnerName: "Sam",
	}}
	prompt := r.systemPrompt("yesterday: fixed the heater")

	for _, want := range []string{
		basePersona,
		"Security rules:",
		"Strategy: answer briefly",
		"Recent memory:\nyesterday: fixed the heater",
		"Your name is Teleton.",
		"Your owner is Sam.",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 0 {
		t.Fatalf("empty = %d, want 0", got)
	}
	// 100 chars -> ceil(25) * 1.2 = 30.
	if got := estimateTokens(strings.Repeat("a", 100)); got != 30 {
		t.Fatalf("100 chars = %d, want 30", got)
	}
	short := estimateTokens("hi")
	long := estimateTokens(strings.Repeat("hi", 500))
	if short >= long {
		t.Fatalf("estimator not monotone: %d >= %d", short, long)
	}
}

func TestTruncateField(t *testing.T) {
	if got := truncateField("short"); got != "short" {
		t.Fatalf("short field changed: %q", got)
	}
	long := strings.Repeat("z", MaxFieldChars+1000)
	got := truncateField(long)
	if len(got) != MaxFieldChars {
		t.Fatalf("truncated length = %d, want %d", len(got), MaxFieldChars)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatalf("marker missing from %q", got[len(got)-50:])
	}
}
