package gateway

import (
	"context"
	"time"
)

// Per-minute request budgets enforced on the synchronous path. Queue-backed
// requests are deflected before these counters apply.
const (
	bridgeRateLimit = 100
	threadRateLimit = 20
	rateWindow      = time.Minute
)

// RateLimiter enforces fixed-window per-minute request budgets per bridge
// and per thread using Redis counters whose TTL is set on the first hit.
type RateLimiter struct {
	cache *CacheService
}

// NewRateLimiter creates a limiter over the shared cache service.
func NewRateLimiter(cache *CacheService) *RateLimiter {
	return &RateLimiter{cache: cache}
}

// Allow checks both budgets and returns ErrRateLimited when either is
// exhausted. An empty threadID skips the thread budget.
func (r *RateLimiter) Allow(ctx context.Context, bridgeID, threadID string) error {
	count, err := r.cache.Incr(ctx, keyRateLimit+"bridge_"+bridgeID, rateWindow)
	if err != nil {
		return err
	}
	if count > bridgeRateLimit {
		return ErrRateLimited
	}
	if threadID == "" {
		return nil
	}
	count, err = r.cache.Incr(ctx, keyRateLimit+"thread_"+threadID, rateWindow)
	if err != nil {
		return err
	}
	if count > threadRateLimit {
		return ErrRateLimited
	}
	return nil
}
