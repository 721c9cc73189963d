package auth

import (
	"math"
	"sync"
	"time"
)

// RateLimitConfig configures per-caller rate limiting
type RateLimitConfig struct {
	Enabled        bool
	LimitPerMinute int
	BurstSize      int
}

// RateLimiter implements token bucket rate limiting keyed by caller
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// now is swapped out in tests
	now func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.LimitPerMinute <= 0 {
		config.LimitPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 10
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the caller. Returns whether the request is
// allowed and, when denied, whole seconds until a token frees up.
func (r *RateLimiter) Allow(caller string) (bool, int) {
	if !r.config.Enabled {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket, ok := r.buckets[caller]
	if !ok {
		bucket = &tokenBucket{tokens: float64(r.config.BurstSize), lastRefill: now}
		r.buckets[caller] = bucket
	}

	perSecond := float64(r.config.LimitPerMinute) / 60.0
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(bucket.tokens+elapsed*perSecond, float64(r.config.BurstSize))
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}
	return false, int(math.Ceil((1 - bucket.tokens) / perSecond))
}
