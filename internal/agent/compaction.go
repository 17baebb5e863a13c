package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/store"
)

const summaryPrompt = "Summarise the following conversation into a compact paragraph. " +
	"Keep decisions, facts, names, and open tasks; drop pleasantries and tool noise."

// maybeCompact replaces the transcript head with a summary once the session
// crosses the token or message threshold. The configured number of recent
// messages survives verbatim. Compaction failure is not fatal to the turn;
// the next turn tries again.
func (r *Runtime) maybeCompact(ctx context.Context, session *store.Session) error {
	if session.ContextTokens < r.config.ContextSoftLimit && session.MessageCount < r.config.CompactionMaxMessages {
		return nil
	}
	keep := r.config.CompactionKeepRecent

	history, err := r.store.RecentMessages(ctx, session.ChatID, session.MessageCount)
	if err != nil {
		return err
	}
	if len(history) <= keep {
		return nil
	}
	head := history[:len(history)-keep]

	summary, err := r.summarise(ctx, head)
	if err != nil {
		r.logger.Warn("compaction summary failed", "chat", session.ChatID, "error", err)
		return nil
	}
	if err := r.store.ReplaceHeadWithSummary(ctx, session.ChatID, summary, keep); err != nil {
		return err
	}

	remaining, err := r.store.RecentMessages(ctx, session.ChatID, keep+1)
	if err != nil {
		return err
	}
	tokens := 0
	for _, msg := range remaining {
		tokens += estimateTokens(msg.Text)
	}
	session.ContextTokens = tokens
	session.MessageCount = len(remaining)
	session.Summary = summary
	r.logger.Info("transcript compacted",
		"chat", session.ChatID, "kept", keep, "tokens", tokens)
	return r.store.UpdateSession(ctx, session)
}

// summarise asks the provider for a summary of the given transcript head.
func (r *Runtime) summarise(ctx context.Context, head []*store.Message) (string, error) {
	var b strings.Builder
	for _, msg := range head {
		if msg.Text == "" {
			continue
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}

	resp, err := r.provider.Complete(ctx, &llm.Request{
		Model:  r.config.Model,
		System: summaryPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		summary = "(conversation summary unavailable)"
	}
	return "[Summary of earlier conversation] " + summary, nil
}
