// Package tools holds the in-memory tool catalog: definitions plus executors,
// scope-aware visibility filtering, and the safe invocation path used by the
// agent loop and cron jobs.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/teleton/internal/store"
)

// Scope is a tool's static visibility class.
type Scope string

const (
	ScopeAlways    Scope = "always"
	ScopeDMOnly    Scope = "dm-only"
	ScopeGroupOnly Scope = "group-only"
	ScopeAdminOnly Scope = "admin-only"
)

// Category distinguishes tools whose results carry data the model may need
// later from pure actions; the agent loop masks old action results.
type Category string

const (
	CategoryData   Category = "data-bearing"
	CategoryAction Category = "action"
)

// Definition describes one callable tool. Name is globally unique and stable.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Category    Category
	Module      string
	Scope       Scope
}

// Result is the normalised outcome of a tool invocation. Failures are values,
// never panics: IsError with a sanitised message.
type Result struct {
	Content string
	IsError bool
}

// Invocation carries caller identity and the guarded store handle into an
// executor.
type Invocation struct {
	ChatID   string
	SenderID string
	IsGroup  bool
	IsAdmin  bool
	Store    *store.Guarded
}

// Executor runs one tool call.
type Executor interface {
	Execute(ctx context.Context, params json.RawMessage, inv Invocation) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, params json.RawMessage, inv Invocation) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, params json.RawMessage, inv Invocation) (*Result, error) {
	return f(ctx, params, inv)
}

// Caller identifies who is asking for tools on a dispatch.
type Caller struct {
	ChatID   string
	SenderID string
	IsGroup  bool
	IsAdmin  bool
}

// scopeAdmits is the scope matrix: admins pass everything, dm-only excludes
// groups, group-only excludes DMs.
func scopeAdmits(scope Scope, caller Caller) bool {
	if caller.IsAdmin {
		return true
	}
	switch scope {
	case ScopeAlways:
		return true
	case ScopeDMOnly:
		return !caller.IsGroup
	case ScopeGroupOnly:
		return caller.IsGroup
	case ScopeAdminOnly:
		return false
	default:
		return false
	}
}
