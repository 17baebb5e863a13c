package agent

import (
	"encoding/json"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
)

// maskedPlaceholder replaces stale non-data-bearing tool results in context.
const maskedPlaceholder = "[masked]"

// recentUnmasked is how many trailing messages keep their tool results
// verbatim during masking.
const recentUnmasked = 10

// encodeToolCalls serialises tool calls for the transcript.
func encodeToolCalls(calls []llm.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeToolCalls(raw string) []llm.ToolCall {
	if raw == "" {
		return nil
	}
	var calls []llm.ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil
	}
	return calls
}

// buildConversation converts transcript rows into provider messages, dropping
// orphan tool results and masking stale non-data-bearing ones. A tool result
// is an orphan when no preceding assistant message issued its call id;
// providers reject such transcripts after a partially persisted turn.
func buildConversation(history []*store.Message, registry *tools.Registry) []llm.Message {
	pending := make(map[string]string) // call id -> tool name
	maskFrom := len(history) - recentUnmasked

	var conv []llm.Message
	for i, msg := range history {
		switch msg.Role {
		case store.RoleAssistant:
			calls := decodeToolCalls(msg.ToolCalls)
			for id := range pending {
				delete(pending, id)
			}
			for _, call := range calls {
				if call.ID != "" {
					pending[call.ID] = call.Name
				}
			}
			conv = append(conv, llm.Message{Role: llm.RoleAssistant, Text: msg.Text, ToolCalls: calls})
		case store.RoleTool:
			name, ok := pending[msg.ToolResultFor]
			if !ok {
				continue // orphan
			}
			delete(pending, msg.ToolResultFor)
			text := msg.Text
			if i < maskFrom && !isDataBearing(registry, name) {
				text = maskedPlaceholder
			}
			conv = append(conv, llm.Message{Role: llm.RoleTool, Text: text, ToolResultFor: msg.ToolResultFor})
		default:
			conv = append(conv, llm.Message{Role: llm.RoleUser, Text: msg.Text})
		}
	}
	return conv
}

func isDataBearing(registry *tools.Registry, name string) bool {
	if registry == nil {
		return false
	}
	def, ok := registry.Get(name)
	return ok && def.Category == tools.CategoryData
}
