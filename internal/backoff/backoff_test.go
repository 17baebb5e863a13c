package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.3}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{1, 0.5, 1150 * time.Millisecond}, // 1s + 1s*0.3*0.5
		{10, 0, 30 * time.Second},         // clamped
	}
	for _, tt := range tests {
		if got := policy.delayWithRand(tt.attempt, tt.random); got != tt.want {
			t.Errorf("delay(attempt=%d, rand=%.1f) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{Initial: time.Microsecond, Factor: 1}
	calls := 0
	value, err := Retry(context.Background(), policy, 3, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if value != "ok" || calls != 3 {
		t.Fatalf("value = %q, calls = %d", value, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := Policy{Initial: time.Microsecond, Factor: 1}
	boom := errors.New("boom")
	_, err := Retry(context.Background(), policy, 3, func(int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	policy := Policy{Initial: time.Microsecond, Factor: 1}
	fatal := errors.New("bad request")
	calls := 0
	_, err := Retry(context.Background(), policy, 5, func(int) (int, error) {
		calls++
		return 0, Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want cause", err)
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Fatal("permanent error reported as exhaustion")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, Default(), 3, func(int) (int, error) {
		return 0, errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
