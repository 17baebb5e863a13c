package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/teleton/internal/backoff"
)

const (
	// DefaultCallTimeout bounds one completion call.
	DefaultCallTimeout = 60 * time.Second
	// DefaultMaxAttempts covers transient provider failures.
	DefaultMaxAttempts = 3
)

// Retrying wraps a Provider with per-call timeouts and retries on transient
// failures (connection errors, 429, 5xx). Non-transient errors surface on the
// first attempt.
type Retrying struct {
	inner       Provider
	policy      backoff.Policy
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
}

// RetryOption configures the wrapper.
type RetryOption func(*Retrying)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(timeout time.Duration) RetryOption {
	return func(r *Retrying) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithMaxAttempts overrides the attempt count.
func WithMaxAttempts(attempts int) RetryOption {
	return func(r *Retrying) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithRetryLogger configures the wrapper logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetrying wraps inner with the default policy: 3 attempts, exponential
// backoff from 1s, 30% jitter, 60s per call.
func NewRetrying(inner Provider, opts ...RetryOption) *Retrying {
	r := &Retrying{
		inner:       inner,
		policy:      backoff.Default(),
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultCallTimeout,
		logger:      slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Provider.
func (r *Retrying) Name() string { return r.inner.Name() }

// Complete implements Provider.
func (r *Retrying) Complete(ctx context.Context, req *Request) (*Response, error) {
	return backoff.Retry(ctx, r.policy, r.maxAttempts, func(attempt int) (*Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		resp, err := r.inner.Complete(callCtx, req)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("model call failed, retrying",
			"provider", r.inner.Name(), "attempt", attempt, "error", err)
		return nil, err
	})
}

// IsTransient reports whether a provider error is worth retrying: rate limits,
// server-side failures, timeouts, and connection errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var anthropicErr *sdk.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
