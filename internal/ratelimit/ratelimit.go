// Package ratelimit throttles outbound venue calls per endpoint class so the
// engine stays under the provider's published quotas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class is the endpoint class a venue call belongs to.
type Class int

const (
	// ClassPublic covers unauthenticated market data endpoints.
	ClassPublic Class = iota
	// ClassPrivateRead covers authenticated read endpoints (balances, open orders).
	ClassPrivateRead
	// ClassOrderWrite covers order placement and cancellation.
	ClassOrderWrite
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassPrivateRead:
		return "private_read"
	case ClassOrderWrite:
		return "order_write"
	default:
		return "public"
	}
}

// BucketConfig sets refill rate and burst capacity for one class.
type BucketConfig struct {
	// RefillPerSecond is the sustained request rate.
	RefillPerSecond float64
	// Burst is the bucket capacity.
	Burst float64
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// Limiter is a token-bucket rate limiter keyed by endpoint class.
// Acquire never rejects, it only delays; persistent long waits surface upstream
// as timeouts counted by the circuit breaker.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Class]*bucket
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// DefaultConfigs matches typical spot exchange quotas.
func DefaultConfigs() map[Class]BucketConfig {
	return map[Class]BucketConfig{
		ClassPublic:      {RefillPerSecond: 10, Burst: 20},
		ClassPrivateRead: {RefillPerSecond: 5, Burst: 10},
		ClassOrderWrite:  {RefillPerSecond: 2, Burst: 5},
	}
}

// New creates a limiter with the given per-class configs.
func New(configs map[Class]BucketConfig) *Limiter {
	l := &Limiter{
		buckets: make(map[Class]*bucket, len(configs)),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	start := l.now()
	for class, cfg := range configs {
		l.buckets[class] = &bucket{
			tokens:     cfg.Burst,
			capacity:   cfg.Burst,
			refillRate: cfg.RefillPerSecond,
			lastRefill: start,
		}
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until a token for the class is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	wait := l.reserve(class)
	if wait <= 0 {
		return nil
	}
	return l.sleep(ctx, wait)
}

// reserve takes a token and returns how long the caller must wait before
// issuing the call. A negative token balance encodes queued demand.
func (l *Limiter) reserve(class Class) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		return 0
	}

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}

	deficit := -b.tokens
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}
