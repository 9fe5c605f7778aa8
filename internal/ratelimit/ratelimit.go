// Package ratelimit implements the process-wide token-bucket limiter shared
// by the segment scheduler (outbound sends) and the ingestion pipeline
// (inbound event processing).
//
// Buckets are independent per class. The critical class (bounce/complaint)
// is sized to effectively never block, since those events carry compliance
// signals that must not be dropped or delayed. The informational class is
// the real backpressure mechanism under delivery floods.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Class names a token bucket.
type Class string

const (
	ClassSend          Class = "send"
	ClassCritical      Class = "critical"
	ClassInformational Class = "informational"
)

// BucketConfig holds the capacity and refill rate for one class.
type BucketConfig struct {
	Capacity      float64 // maximum tokens
	RefillPerSec  float64 // tokens added per second
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// refill lazily tops the bucket up based on elapsed time. Called with the
// limiter lock held; no background timer exists.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter is shared mutable state across all workers in the process.
// A single mutex covers every bucket so one acquire is one atomic
// refill-then-spend mutation; two concurrent callers can never over-spend.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Class]*bucket
	logger  *zap.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a limiter with one bucket per configured class. Buckets start
// full.
func New(configs map[Class]BucketConfig, logger *zap.Logger) *Limiter {
	l := &Limiter{
		buckets: make(map[Class]*bucket, len(configs)),
		logger:  logger,
		now:     time.Now,
	}

	for class, cfg := range configs {
		l.buckets[class] = &bucket{
			tokens:     cfg.Capacity,
			capacity:   cfg.Capacity,
			refillRate: cfg.RefillPerSec,
			lastRefill: time.Now(),
		}
	}

	return l
}

// TryAcquire attempts to take tokens without waiting.
func (l *Limiter) TryAcquire(class Class, tokens float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		// Unconfigured class: fail open. Misconfiguration must not stall
		// delivery-event processing.
		l.logger.Warn("acquire on unconfigured rate limit class",
			zap.String("class", string(class)),
		)
		return true
	}

	b.refill(l.now())
	if b.tokens < tokens {
		return false
	}
	b.tokens -= tokens
	return true
}

// Acquire blocks up to maxWait for tokens to become available, polling with
// short backoff. Returns false (denied) when maxWait elapses or the context
// is cancelled first. Callers treat denied as "defer, don't drop".
func (l *Limiter) Acquire(ctx context.Context, class Class, tokens float64, maxWait time.Duration) bool {
	deadline := l.now().Add(maxWait)

	for {
		if l.TryAcquire(class, tokens) {
			return true
		}

		wait := l.waitHint(class, tokens)
		if remaining := deadline.Sub(l.now()); remaining <= 0 {
			return false
		} else if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// waitHint estimates how long until the requested tokens refill, clamped to
// a small polling interval so a concurrent release is noticed promptly.
func (l *Limiter) waitHint(class Class, tokens float64) time.Duration {
	const minPoll = 10 * time.Millisecond
	const maxPoll = 250 * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok || b.refillRate <= 0 {
		return maxPoll
	}

	missing := tokens - b.tokens
	if missing <= 0 {
		return minPoll
	}

	wait := time.Duration(missing / b.refillRate * float64(time.Second))
	if wait < minPoll {
		return minPoll
	}
	if wait > maxPoll {
		return maxPoll
	}
	return wait
}

// Tokens returns the current token count for a class after a lazy refill.
// Exposed for metrics and tests.
func (l *Limiter) Tokens(class Class) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		return 0
	}
	b.refill(l.now())
	return b.tokens
}
