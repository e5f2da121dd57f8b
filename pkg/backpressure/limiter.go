// Package backpressure rate-limits callers by identity. The HTTP layer
// applies it per authenticated principal, on top of the per-IP limiter,
// so one owner hammering heartbeats cannot starve everyone behind the
// same NAT. Buckets live in memory for single-node deployments or in
// Redis when several API instances share the limit.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy defines the limit applied to one actor.
type Policy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow checks whether the actor may perform an action costing
	// cost tokens. Returns false when rate limited.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// Evaluate checks whether the actor may proceed. A nil store denies
// everything: a deployment that configures per-actor limits but loses
// its store must not silently stop limiting.
func Evaluate(ctx context.Context, store LimiterStore, actorID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("backpressure: no limiter store configured")
	}

	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("backpressure: rate limit exceeded for %s", actorID)
	}
	return nil
}

// TokenBucket implements a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket refilling at ratePerSec.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

// Allow consumes cost tokens if available.
func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryLimiterStore keeps buckets in process memory. Suitable for
// single-instance deployments and tests.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewMemoryLimiterStore creates an empty store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		buckets: make(map[string]*TokenBucket),
	}
}

// Allow implements LimiterStore.
func (s *MemoryLimiterStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[actorID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, policy.Burst)
		s.buckets[actorID] = tb
	}

	return tb.Allow(cost), nil
}
