package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/teleton/internal/backoff"
)

type scriptedProvider struct {
	calls     int
	responses []func() (*Response, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	step := p.calls
	p.calls++
	if step >= len(p.responses) {
		step = len(p.responses) - 1
	}
	return p.responses[step]()
}

func fastRetrying(inner Provider) *Retrying {
	r := NewRetrying(inner)
	r.policy = backoff.Policy{Initial: time.Microsecond, Factor: 1}
	return r
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	transient := &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
	provider := &scriptedProvider{responses: []func() (*Response, error){
		func() (*Response, error) { return nil, transient },
		func() (*Response, error) { return &Response{Text: "hello"}, nil },
	}}

	resp, err := fastRetrying(provider).Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello" || provider.calls != 2 {
		t.Fatalf("text = %q, calls = %d", resp.Text, provider.calls)
	}
}

func TestRetryingStopsOnPermanentError(t *testing.T) {
	bad := &openai.APIError{HTTPStatusCode: 400, Message: "bad request"}
	provider := &scriptedProvider{responses: []func() (*Response, error){
		func() (*Response, error) { return nil, bad },
	}}

	_, err := fastRetrying(provider).Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 400)", provider.calls)
	}
}

func TestRetryingExhaustsAttempts(t *testing.T) {
	transient := &openai.APIError{HTTPStatusCode: 500, Message: "boom"}
	provider := &scriptedProvider{responses: []func() (*Response, error){
		func() (*Response, error) { return nil, transient },
	}}

	_, err := fastRetrying(provider).Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	})
	if !errors.Is(err, backoff.ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want exhaustion", err)
	}
	if provider.calls != DefaultMaxAttempts {
		t.Fatalf("calls = %d, want %d", provider.calls, DefaultMaxAttempts)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 502}, true},
		{"client error", &openai.APIError{HTTPStatusCode: 422}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("nope"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}
