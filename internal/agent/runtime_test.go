package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/scheduler"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
	onCall    func(call int)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.onCall != nil {
		p.onCall(call)
	}
	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	if call < len(p.responses) {
		return p.responses[call], nil
	}
	// Past the script: keep answering with the last response.
	if len(p.responses) > 0 {
		return p.responses[len(p.responses)-1], nil
	}
	return &llm.Response{Text: "ok"}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fakeBridge records outbound sends.
type fakeBridge struct {
	mu   sync.Mutex
	sent []string
}

func (b *fakeBridge) Send(_ context.Context, chatID, text string) error {
	b.mu.Lock()
	b.sent = append(b.sent, chatID+": "+text)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	copy(out, b.sent)
	return out
}

func newAgentStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newRuntime(t *testing.T, s *store.Store, provider llm.Provider, bridge Messenger, opts ...Option) (*Runtime, *tools.Registry) {
	t.Helper()
	registry := tools.NewRegistry(s)
	r := New(s, registry, provider, bridge, Config{Model: "test-model"}, opts...)
	return r, registry
}

func userTurn(chat string, texts ...string) *scheduler.Turn {
	turn := &scheduler.Turn{ChatID: chat}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range texts {
		turn.Events = append(turn.Events, &scheduler.Event{
			ChatID:     chat,
			SenderID:   "u1",
			Text:       text,
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return turn
}

func transcript(t *testing.T, s *store.Store, chat string) []*store.Message {
	t.Helper()
	msgs, err := s.RecentMessages(context.Background(), chat, 1000)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	return msgs
}

func TestRunTurnSimpleReply(t *testing.T) {
	s := newAgentStore(t)
	provider := &scriptedProvider{responses: []*llm.Response{{Text: "hello back"}}}
	bridge := &fakeBridge{}
	r, _ := newRuntime(t, s, provider, bridge)

	if err := r.RunTurn(context.Background(), userTurn("c1", "hello")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs := transcript(t, s, "c1")
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("transcript = %+v", msgs)
	}
	if got := bridge.messages(); len(got) != 1 || got[0] != "c1: hello back" {
		t.Fatalf("sent = %v", got)
	}

	session, err := s.GetSession(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.MessageCount != 2 || session.ContextTokens == 0 {
		t.Fatalf("session = %+v", session)
	}
}

func TestRunTurnBatchesBurstIntoOneInput(t *testing.T) {
	s := newAgentStore(t)
	provider := &scriptedProvider{responses: []*llm.Response{{Text: "got all of it"}}}
	r, _ := newRuntime(t, s, provider, &fakeBridge{})

	if err := r.RunTurn(context.Background(), userTurn("c1", "one", "two", "three")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if provider.calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls())
	}
	msgs := transcript(t, s, "c1")
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 3 user + 1 assistant", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Text != want {
			t.Fatalf("msg %d = %q, want %q", i, msgs[i].Text, want)
		}
	}
}

func TestRunTurnDispatchesTools(t *testing.T) {
	s := newAgentStore(t)
	call := llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		{Text: "", ToolCalls: []llm.ToolCall{call}},
		{Text: "the answer is 4"},
	}}
	bridge := &fakeBridge{}
	r, registry := newRuntime(t, s, provider, bridge)

	var invoked bool
	err := registry.Register(tools.Definition{
		Name: "lookup", Description: "looks things up",
		Module: "m", Scope: tools.ScopeAlways, Category: tools.CategoryData,
	}, tools.ExecutorFunc(func(context.Context, json.RawMessage, tools.Invocation) (*tools.Result, error) {
		invoked = true
		return &tools.Result{Content: "4"}, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.RunTurn(context.Background(), userTurn("c1", "what is 2+2?")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !invoked {
		t.Fatal("tool executor never ran")
	}
	if provider.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls())
	}

	// Second request must carry the tool result back to the model.
	second := provider.requests[1]
	var sawResult bool
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleTool && msg.ToolResultFor == "call-1" && msg.Text == "4" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("tool result missing from follow-up request: %+v", second.Messages)
	}

	msgs := transcript(t, s, "c1")
	roles := make([]store.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []store.Role{store.RoleUser, store.RoleAssistant, store.RoleTool, store.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if got := bridge.messages(); len(got) != 1 || !strings.Contains(got[0], "the answer is 4") {
		t.Fatalf("sent = %v", got)
	}
}

func TestRunTurnStopsAtIterationCap(t *testing.T) {
	s := newAgentStore(t)
	call := llm.ToolCall{ID: "call-1", Name: "spin", Arguments: json.RawMessage(`{}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		{Text: "still working", ToolCalls: []llm.ToolCall{call}},
	}}
	registry := tools.NewRegistry(s)
	if err := registry.Register(tools.Definition{
		Name: "spin", Description: "spins", Module: "m",
		Scope: tools.ScopeAlways, Category: tools.CategoryAction,
	}, tools.ExecutorFunc(func(context.Context, json.RawMessage, tools.Invocation) (*tools.Result, error) {
		return &tools.Result{Content: "more"}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := New(s, registry, provider, &fakeBridge{}, Config{Model: "test", MaxIterations: 2})

	if err := r.RunTurn(context.Background(), userTurn("c1", "go")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if provider.calls() != 2 {
		t.Fatalf("provider calls = %d, want the cap", provider.calls())
	}
}

func TestRunTurnSendsApologyOnProviderFailure(t *testing.T) {
	s := newAgentStore(t)
	provider := &scriptedProvider{errs: []error{errors.New("upstream on fire")}}
	bridge := &fakeBridge{}
	r, _ := newRuntime(t, s, provider, bridge)

	if err := r.RunTurn(context.Background(), userTurn("c1", "hi")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	got := bridge.messages()
	if len(got) != 1 || strings.Contains(got[0], "on fire") {
		t.Fatalf("sent = %v, want an apology without the raw error", got)
	}
	msgs := transcript(t, s, "c1")
	if len(msgs) != 2 || msgs[1].Text != apologyText {
		t.Fatalf("transcript = %+v, want the apology persisted", msgs)
	}
}

func TestRunTurnCancelledMidLoop(t *testing.T) {
	s := newAgentStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	call := llm.ToolCall{ID: "call-1", Name: "spin", Arguments: json.RawMessage(`{}`)}
	provider := &scriptedProvider{
		responses: []*llm.Response{{ToolCalls: []llm.ToolCall{call}}},
		onCall:    func(int) { cancel() },
	}
	registry := tools.NewRegistry(s)
	if err := registry.Register(tools.Definition{
		Name: "spin", Description: "spins", Module: "m",
		Scope: tools.ScopeAlways, Category: tools.CategoryAction,
	}, tools.ExecutorFunc(func(context.Context, json.RawMessage, tools.Invocation) (*tools.Result, error) {
		return &tools.Result{Content: "x"}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	bridge := &fakeBridge{}
	r := New(s, registry, provider, bridge, Config{Model: "test"})

	if err := r.RunTurn(ctx, userTurn("c1", "go")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(bridge.messages()) != 0 {
		t.Fatalf("cancelled turn sent %v", bridge.messages())
	}
	// User input survives; the assistant tool-call message from the aborted
	// iteration was persisted before the cancellation point.
	msgs := transcript(t, s, "c1")
	if len(msgs) == 0 || msgs[0].Role != store.RoleUser {
		t.Fatalf("transcript = %+v, want user input preserved", msgs)
	}
	for _, m := range msgs {
		if m.Role == store.RoleTool {
			t.Fatalf("tool ran after cancellation: %+v", m)
		}
	}
}

func TestDailyResetClearsTranscript(t *testing.T) {
	s := newAgentStore(t)
	ctx := context.Background()

	session, err := s.GetOrCreateSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := s.AppendMessage(ctx, &store.Message{ChatID: "c1", Role: store.RoleUser, Text: "yesterday's chatter"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	session.LastResetDate = "2020-01-01"
	if err := s.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	provider := &scriptedProvider{responses: []*llm.Response{{Text: "fresh day"}}}
	r, _ := newRuntime(t, s, provider, &fakeBridge{})
	if err := r.RunTurn(ctx, userTurn("c1", "good morning")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs := transcript(t, s, "c1")
	for _, m := range msgs {
		if strings.Contains(m.Text, "yesterday") {
			t.Fatalf("old transcript survived reset: %+v", msgs)
		}
	}
	updated, err := s.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	today := time.Now().UTC().Format(dateLayout)
	if updated.LastResetDate != today {
		t.Fatalf("last reset = %q, want %q", updated.LastResetDate, today)
	}
}

func TestCompactionKeepsRecentAndSummary(t *testing.T) {
	s := newAgentStore(t)
	ctx := context.Background()
	session, err := s.GetOrCreateSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < MaxMessagesBeforeCompaction+5; i++ {
		if err := s.AppendMessage(ctx, &store.Message{
			ChatID:    "c1",
			Role:      store.RoleUser,
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	session.MessageCount = MaxMessagesBeforeCompaction + 5

	provider := &scriptedProvider{responses: []*llm.Response{{Text: "they talked at length"}}}
	r, _ := newRuntime(t, s, provider, &fakeBridge{})
	if err := r.maybeCompact(ctx, session); err != nil {
		t.Fatalf("maybeCompact: %v", err)
	}

	msgs := transcript(t, s, "c1")
	if len(msgs) != KeepRecentOnCompaction+1 {
		t.Fatalf("transcript length = %d, want %d recent + summary", len(msgs), KeepRecentOnCompaction+1)
	}
	if !strings.Contains(msgs[0].Text, "they talked at length") {
		t.Fatalf("first entry = %q, want the summary", msgs[0].Text)
	}
	if msgs[len(msgs)-1].Text != fmt.Sprintf("message %d", MaxMessagesBeforeCompaction+4) {
		t.Fatalf("most recent message lost: %q", msgs[len(msgs)-1].Text)
	}
	if session.Summary == "" || session.MessageCount != KeepRecentOnCompaction+1 {
		t.Fatalf("session = %+v", session)
	}
}

func TestCompactionUsesConfiguredThresholds(t *testing.T) {
	s := newAgentStore(t)
	ctx := context.Background()
	session, err := s.GetOrCreateSession(ctx, "c1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 35; i++ {
		if err := s.AppendMessage(ctx, &store.Message{
			ChatID:    "c1",
			Role:      store.RoleUser,
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	session.MessageCount = 35

	// Well below the default thresholds, but above the configured ones.
	provider := &scriptedProvider{responses: []*llm.Response{{Text: "short recap"}}}
	registry := tools.NewRegistry(s)
	r := New(s, registry, provider, &fakeBridge{}, Config{
		Model:                 "test-model",
		CompactionMaxMessages: 30,
		CompactionKeepRecent:  5,
	})
	if err := r.maybeCompact(ctx, session); err != nil {
		t.Fatalf("maybeCompact: %v", err)
	}

	msgs := transcript(t, s, "c1")
	if len(msgs) != 6 {
		t.Fatalf("transcript length = %d, want 5 recent + summary", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "short recap") {
		t.Fatalf("first entry = %q, want the summary", msgs[0].Text)
	}
	if msgs[len(msgs)-1].Text != "message 34" {
		t.Fatalf("most recent message lost: %q", msgs[len(msgs)-1].Text)
	}
}

func TestZeroConfigTunablesFallBackToDefaults(t *testing.T) {
	s := newAgentStore(t)
	r, _ := newRuntime(t, s, &scriptedProvider{}, &fakeBridge{})

	got := r.config
	for name, pair := range map[string][2]int{
		"ContextSoftLimit":      {got.ContextSoftLimit, SoftTokenThreshold},
		"CompactionMaxMessages": {got.CompactionMaxMessages, MaxMessagesBeforeCompaction},
		"CompactionKeepRecent":  {got.CompactionKeepRecent, KeepRecentOnCompaction},
		"RecentMessages":        {got.RecentMessages, HydrateMessages},
		"KnowledgeChunks":       {got.KnowledgeChunks, HydrateChunks},
		"RetrievedTools":        {got.RetrievedTools, HydrateTools},
	} {
		if pair[0] != pair[1] {
			t.Fatalf("%s = %d, want default %d", name, pair[0], pair[1])
		}
	}
}

func TestToolSelectionRespectsScope(t *testing.T) {
	s := newAgentStore(t)
	provider := &scriptedProvider{responses: []*llm.Response{{Text: "done"}}}
	r, registry := newRuntime(t, s, provider, &fakeBridge{})

	for name, scope := range map[string]tools.Scope{
		"open_tool":  tools.ScopeAlways,
		"admin_tool": tools.ScopeAdminOnly,
	} {
		if err := registry.Register(tools.Definition{
			Name: name, Description: name, Module: "m",
			Scope: scope, Category: tools.CategoryAction,
		}, tools.ExecutorFunc(func(context.Context, json.RawMessage, tools.Invocation) (*tools.Result, error) {
			return &tools.Result{}, nil
		})); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if err := r.RunTurn(context.Background(), userTurn("c1", "hi")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	offered := map[string]bool{}
	for _, tool := range provider.requests[0].Tools {
		offered[tool.Name] = true
	}
	if !offered["open_tool"] || offered["admin_tool"] {
		t.Fatalf("offered = %v, want scope filtering applied", offered)
	}
}
