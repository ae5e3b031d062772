package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestRateLimiterBridgeBudget(t *testing.T) {
	_, cache := setupCache(t)
	limiter := NewRateLimiter(cache)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := limiter.Allow(ctx, "bridge-1", ""); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
	if err := limiter.Allow(ctx, "bridge-1", ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("request 101 must be limited, got %v", err)
	}
}

func TestRateLimiterThreadBudget(t *testing.T) {
	_, cache := setupCache(t)
	limiter := NewRateLimiter(cache)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := limiter.Allow(ctx, "bridge-2", "thread-1"); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
	if err := limiter.Allow(ctx, "bridge-2", "thread-1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("thread budget must trip at 20/min, got %v", err)
	}
	// A different thread under the same bridge still has budget.
	if err := limiter.Allow(ctx, "bridge-2", "thread-2"); err != nil {
		t.Errorf("other threads are unaffected: %v", err)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	mr, cache := setupCache(t)
	limiter := NewRateLimiter(cache)
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		_ = limiter.Allow(ctx, "bridge-3", "thread-1")
	}
	mr.FastForward(rateWindow * 2)
	if err := limiter.Allow(ctx, "bridge-3", "thread-1"); err != nil {
		t.Errorf("budget must reset after the window: %v", err)
	}
}
