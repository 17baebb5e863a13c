// Package agent drives the reasoning loop: per-turn context hydration, LLM
// calls with tool dispatch, transcript commits, daily session resets, and
// compaction when the context window fills up.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/memory"
	"github.com/haasonsaas/teleton/internal/scheduler"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
	"github.com/haasonsaas/teleton/internal/tools/index"
)

const (
	// DefaultMaxIterations caps tool-call rounds per turn.
	DefaultMaxIterations = 5
	// MaxIterationsCeiling is the configurable upper bound.
	MaxIterationsCeiling = 50
	// MaxFieldChars truncates each tool result before it enters the
	// transcript; the tool layer's own cap is larger.
	MaxFieldChars = 20000
	// SoftTokenThreshold is the default token count that triggers compaction.
	SoftTokenThreshold = 64000
	// MaxMessagesBeforeCompaction is the default compaction message threshold.
	MaxMessagesBeforeCompaction = 200
	// KeepRecentOnCompaction is the default count surviving compaction verbatim.
	KeepRecentOnCompaction = 20
	// HydrateMessages is the default recent transcript rows a turn loads.
	HydrateMessages = 10
	// HydrateChunks is the default knowledge chunks a turn loads.
	HydrateChunks = 5
	// HydrateTools is the default retrieval depth for the tool index.
	HydrateTools = 25

	dateLayout       = "2006-01-02"
	truncationMarker = "\n...[result truncated]"
	apologyText      = "Sorry, something went wrong on my side and I couldn't finish that. Please try again in a moment."
)

// Messenger is the slice of the bridge the runtime needs.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
}

// ToolSearcher retrieves relevant tools for a query.
type ToolSearcher interface {
	Search(ctx context.Context, query string, k int) ([]index.Match, error)
}

// Config holds the runtime knobs. Zero-valued tunables fall back to the
// package defaults.
type Config struct {
	Model         string
	Persona       string
	Strategy      string
	AgentName     string
	OwnerName     string
	MaxIterations int // 1..50, default 5

	ContextSoftLimit      int // tokens before compaction
	CompactionMaxMessages int // transcript length before compaction
	CompactionKeepRecent  int // messages surviving compaction verbatim
	RecentMessages        int // transcript rows hydrated per turn
	KnowledgeChunks       int // knowledge chunks hydrated per turn
	RetrievedTools        int // tool index retrieval depth
}

// Runtime implements scheduler.Runner: one call per debounced turn.
type Runtime struct {
	store    *store.Store
	registry *tools.Registry
	searcher ToolSearcher
	memory   *memory.System
	provider llm.Provider
	bridge   Messenger
	logger   *slog.Logger
	now      func() time.Time
	config   Config
}

// Option configures the runtime.
type Option func(*Runtime)

// WithLogger configures the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithToolSearcher enables semantic tool retrieval; without it every visible
// tool is offered.
func WithToolSearcher(searcher ToolSearcher) Option {
	return func(r *Runtime) { r.searcher = searcher }
}

// WithMemory enables knowledge hydration and daily-log archiving.
func WithMemory(system *memory.System) Option {
	return func(r *Runtime) { r.memory = system }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runtime. The provider should already carry retry behavior.
func New(s *store.Store, registry *tools.Registry, provider llm.Provider, bridge Messenger, config Config, opts ...Option) *Runtime {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.MaxIterations > MaxIterationsCeiling {
		config.MaxIterations = MaxIterationsCeiling
	}
	if config.ContextSoftLimit <= 0 {
		config.ContextSoftLimit = SoftTokenThreshold
	}
	if config.CompactionMaxMessages <= 0 {
		config.CompactionMaxMessages = MaxMessagesBeforeCompaction
	}
	if config.CompactionKeepRecent <= 0 {
		config.CompactionKeepRecent = KeepRecentOnCompaction
	}
	if config.RecentMessages <= 0 {
		config.RecentMessages = HydrateMessages
	}
	if config.KnowledgeChunks <= 0 {
		config.KnowledgeChunks = HydrateChunks
	}
	if config.RetrievedTools <= 0 {
		config.RetrievedTools = HydrateTools
	}
	r := &Runtime{
		store:    s,
		registry: registry,
		provider: provider,
		bridge:   bridge,
		logger:   slog.Default().With("component", "agent"),
		now:      time.Now,
		config:   config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunTurn executes one debounced turn for a chat. A cancelled turn aborts
// without persisting partial assistant output; the user input stays in the
// transcript for the next run.
func (r *Runtime) RunTurn(ctx context.Context, turn *scheduler.Turn) error {
	if turn == nil || len(turn.Events) == 0 {
		return nil
	}
	chatID := turn.ChatID
	last := turn.Events[len(turn.Events)-1]
	caller := tools.Caller{
		ChatID:   chatID,
		SenderID: last.SenderID,
		IsGroup:  last.IsGroup,
		IsAdmin:  last.IsAdmin,
	}

	session, err := r.store.GetOrCreateSession(ctx, chatID)
	if err != nil {
		return err
	}
	if err := r.maybeDailyReset(ctx, session); err != nil {
		return err
	}

	// Persist the user input first; it survives even a cancelled turn.
	var inputs []string
	for _, event := range turn.Events {
		if err := r.store.AppendMessage(ctx, &store.Message{
			ChatID:    chatID,
			SenderID:  event.SenderID,
			Role:      store.RoleUser,
			Text:      event.Text,
			Timestamp: event.ReceivedAt,
		}); err != nil {
			return err
		}
		inputs = append(inputs, event.Text)
	}
	userText := strings.Join(inputs, "\n")

	system, conv, toolDefs, err := r.hydrate(ctx, caller, userText)
	if err != nil {
		return err
	}

	reply, committed, err := r.loop(ctx, session, caller, system, conv, toolDefs)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}

	if reply != "" {
		if err := r.bridge.Send(ctx, chatID, reply); err != nil {
			r.logger.Warn("reply not delivered", "chat", chatID, "error", err)
		}
	}
	return r.maybeCompact(ctx, session)
}

// maybeDailyReset archives and clears the transcript the first time a chat is
// touched on a new UTC day.
func (r *Runtime) maybeDailyReset(ctx context.Context, session *store.Session) error {
	today := r.now().UTC().Format(dateLayout)
	if session.LastResetDate == today {
		return nil
	}
	if r.memory != nil && session.Summary != "" {
		note := fmt.Sprintf("chat %s archived: %s", session.ChatID, session.Summary)
		if err := r.memory.AppendDaily(note); err != nil {
			r.logger.Warn("session archive failed", "chat", session.ChatID, "error", err)
		}
	}
	if err := r.store.DeleteMessages(ctx, session.ChatID); err != nil {
		return err
	}
	session.LastResetDate = today
	session.MessageCount = 0
	session.ContextTokens = 0
	r.logger.Info("session reset", "chat", session.ChatID, "date", today)
	return r.store.UpdateSession(ctx, session)
}

// hydrate builds the system prompt, conversation window, and tool list for a
// turn.
func (r *Runtime) hydrate(ctx context.Context, caller tools.Caller, userText string) (string, []llm.Message, []llm.Tool, error) {
	var digest string
	if r.memory != nil {
		recent, err := r.memory.ReadRecent()
		if err != nil {
			r.logger.Warn("memory digest unavailable", "error", err)
		} else {
			digest = recent
		}
		chunks, err := r.memory.Retrieve(ctx, userText, r.config.KnowledgeChunks)
		if err != nil {
			r.logger.Warn("knowledge retrieval failed", "error", err)
		} else if len(chunks) > 0 {
			var b strings.Builder
			b.WriteString("Relevant knowledge:\n")
			for _, c := range chunks {
				b.WriteString("- ")
				b.WriteString(c.Chunk.Text)
				b.WriteString("\n")
			}
			if digest != "" {
				digest += "\n\n"
			}
			digest += b.String()
		}
	}
	system := r.systemPrompt(digest)

	history, err := r.store.RecentMessages(ctx, caller.ChatID, r.config.RecentMessages)
	if err != nil {
		return "", nil, nil, err
	}
	conv := buildConversation(history, r.registry)

	toolDefs, err := r.selectTools(ctx, caller, userText)
	if err != nil {
		return "", nil, nil, err
	}
	return system, conv, toolDefs, nil
}

// selectTools intersects index retrieval with scope-filtered visibility.
func (r *Runtime) selectTools(ctx context.Context, caller tools.Caller, query string) ([]llm.Tool, error) {
	visible, err := r.registry.VisibleTools(ctx, caller)
	if err != nil {
		return nil, err
	}
	admitted := make(map[string]tools.Definition, len(visible))
	for _, def := range visible {
		admitted[def.Name] = def
	}

	var selected []tools.Definition
	if r.searcher != nil {
		matches, err := r.searcher.Search(ctx, query, r.config.RetrievedTools)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if def, ok := admitted[m.Name]; ok {
				selected = append(selected, def)
			}
		}
	} else {
		selected = visible
	}

	defs := make([]llm.Tool, 0, len(selected))
	for _, def := range selected {
		defs = append(defs, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return defs, nil
}

// loop drives the LLM until it stops calling tools, the iteration cap hits,
// or the turn is cancelled. It returns the final reply and whether the turn
// was committed to the transcript.
func (r *Runtime) loop(ctx context.Context, session *store.Session, caller tools.Caller, system string, conv []llm.Message, toolDefs []llm.Tool) (string, bool, error) {
	inv := tools.Invocation{
		ChatID:   caller.ChatID,
		SenderID: caller.SenderID,
		IsGroup:  caller.IsGroup,
		IsAdmin:  caller.IsAdmin,
		Store:    r.store.Guarded(),
	}

	var finalText string
	for iteration := 0; iteration < r.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			r.logger.Info("turn cancelled", "chat", caller.ChatID, "iteration", iteration)
			return "", false, nil
		}

		req := llm.Request{
			Model:    r.config.Model,
			System:   system,
			Messages: conv,
			Tools:    toolDefs,
		}
		resp, err := r.provider.Complete(ctx, &req)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, nil
			}
			return "", false, r.failTurn(ctx, session, caller.ChatID, err)
		}

		if tokens := estimateRequestTokens(system, conv) + estimateTokens(resp.Text); tokens > session.ContextTokens {
			session.ContextTokens = tokens
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			if err := r.store.AppendMessage(ctx, &store.Message{
				ChatID: caller.ChatID,
				Role:   store.RoleAssistant,
				Text:   resp.Text,
			}); err != nil {
				return "", false, err
			}
			break
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls}
		if err := r.store.AppendMessage(ctx, &store.Message{
			ChatID:    caller.ChatID,
			Role:      store.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: encodeToolCalls(resp.ToolCalls),
		}); err != nil {
			return "", false, err
		}
		conv = append(conv, assistant)
		finalText = resp.Text

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", false, nil
			}
			result := r.registry.Invoke(ctx, call.Name, call.Arguments, inv)
			content := truncateField(result.Content)
			toolMsg := llm.Message{
				Role:          llm.RoleTool,
				Text:          content,
				ToolResultFor: call.ID,
				IsError:       result.IsError,
			}
			if err := r.store.AppendMessage(ctx, &store.Message{
				ChatID:        caller.ChatID,
				Role:          store.RoleTool,
				Text:          content,
				ToolResultFor: call.ID,
			}); err != nil {
				return "", false, err
			}
			conv = append(conv, toolMsg)
		}
	}

	session.MessageCount, _ = r.store.MessageCount(ctx, caller.ChatID)
	if err := r.store.UpdateSession(ctx, session); err != nil {
		return "", false, err
	}
	return finalText, true, nil
}

// failTurn persists the failure and sends a user-visible apology; raw errors
// never reach the chat.
func (r *Runtime) failTurn(ctx context.Context, session *store.Session, chatID string, cause error) error {
	r.logger.Error("turn failed after retries", "chat", chatID, "error", cause)
	if err := r.store.AppendMessage(ctx, &store.Message{
		ChatID: chatID,
		Role:   store.RoleAssistant,
		Text:   apologyText,
	}); err != nil {
		return err
	}
	if err := r.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	if err := r.bridge.Send(ctx, chatID, apologyText); err != nil {
		r.logger.Warn("apology not delivered", "chat", chatID, "error", err)
	}
	return nil
}

func truncateField(content string) string {
	if len(content) <= MaxFieldChars {
		return content
	}
	return content[:MaxFieldChars-len(truncationMarker)] + truncationMarker
}
