package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultToolTimeout bounds one executor run.
	DefaultToolTimeout = 30 * time.Second
	// MaxResultSize caps a serialised tool result in characters.
	MaxResultSize = 50000
	// MaxParamsSize caps the parameters payload (10 MB).
	MaxParamsSize = 10 << 20
	// maxErrorLength caps sanitised error messages.
	maxErrorLength = 500

	truncationMarker = "\n...[result truncated]"
)

// Invoke validates params against the tool's schema, runs the executor under
// its timeout, and normalises every failure mode into a Result. It never
// returns an error to the caller; the model sees failures as tool messages.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage, inv Invocation) *Result {
	if len(name) > MaxToolNameLength {
		return failure(fmt.Sprintf("tool name exceeds %d characters", MaxToolNameLength))
	}
	if len(params) > MaxParamsSize {
		return failure(fmt.Sprintf("tool parameters exceed %d bytes", MaxParamsSize))
	}

	def, ok := r.Get(name)
	if !ok {
		return failure("tool not found: " + name)
	}
	exec, ok := r.executorFor(name)
	if !ok {
		return failure("tool not found: " + name)
	}

	if err := validateParams(def.InputSchema, params); err != nil {
		return failure("Invalid parameters: " + SanitizeError(err.Error()))
	}

	cfg := r.execConfigFor(name)
	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	result, err := runExecutor(execCtx, exec, params, inv)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
			return failure("timeout")
		}
		if errors.Is(err, context.Canceled) {
			return failure("cancelled")
		}
		return failure(SanitizeError(err.Error()))
	}
	if result == nil {
		result = &Result{}
	}
	if result.IsError {
		result.Content = SanitizeError(result.Content)
	}
	if len(result.Content) > MaxResultSize {
		result.Content = result.Content[:MaxResultSize-len(truncationMarker)] + truncationMarker
	}
	return result
}

// runExecutor calls the executor on a separate goroutine so a stuck tool
// cannot outlive its timeout, and converts panics into errors.
func runExecutor(ctx context.Context, exec Executor, params json.RawMessage, inv Invocation) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		result, err := exec.Execute(ctx, params, inv)
		select {
		case done <- outcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

// validateParams checks params against the tool's JSON schema. An empty
// schema accepts anything; params default to an empty object.
func validateParams(schema, params json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	return compiled.Validate(value)
}

// SanitizeError strips control characters and markup out of an error message
// and caps its length; raw provider and driver errors never reach the model
// or the chat verbatim.
func SanitizeError(message string) string {
	var b strings.Builder
	for _, r := range message {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
			// dropped
		case r == '<' || r == '>':
			// dropped, markup fragments confuse chat clients
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if len(cleaned) > maxErrorLength {
		cleaned = cleaned[:maxErrorLength]
	}
	return cleaned
}

func failure(message string) *Result {
	return &Result{Content: message, IsError: true}
}
