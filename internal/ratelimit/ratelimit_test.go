package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, configs map[Class]BucketConfig) (*Limiter, *time.Time) {
	t.Helper()
	l := New(configs, zap.NewNop())

	now := time.Now()
	l.now = func() time.Time { return now }
	for _, b := range l.buckets {
		b.lastRefill = now
	}

	return l, &now
}

func TestLimiter_ExhaustsCapacityThenRefills(t *testing.T) {
	l, now := newTestLimiter(t, map[Class]BucketConfig{
		ClassSend: {Capacity: 10, RefillPerSec: 1},
	})

	for i := 0; i < 10; i++ {
		if !l.TryAcquire(ClassSend, 1) {
			t.Fatalf("acquire %d should succeed", i)
		}
	}

	if l.TryAcquire(ClassSend, 1) {
		t.Fatal("11th acquire should be denied")
	}

	// One second later exactly one token has refilled.
	*now = now.Add(1 * time.Second)

	if !l.TryAcquire(ClassSend, 1) {
		t.Fatal("acquire after refill should succeed")
	}
	if l.TryAcquire(ClassSend, 1) {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	l, now := newTestLimiter(t, map[Class]BucketConfig{
		ClassSend: {Capacity: 5, RefillPerSec: 10},
	})

	for i := 0; i < 5; i++ {
		l.TryAcquire(ClassSend, 1)
	}

	// An hour of refill still yields only capacity tokens.
	*now = now.Add(1 * time.Hour)

	if got := l.Tokens(ClassSend); got != 5 {
		t.Fatalf("expected tokens capped at 5, got %v", got)
	}
}

func TestLimiter_AcquireWaitsForRefill(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassSend: {Capacity: 1, RefillPerSec: 50},
	}, zap.NewNop())

	if !l.TryAcquire(ClassSend, 1) {
		t.Fatal("first acquire should succeed")
	}

	// Refill at 50/s means ~20ms until the next token.
	if !l.Acquire(context.Background(), ClassSend, 1, 500*time.Millisecond) {
		t.Fatal("acquire should succeed within max wait")
	}
}

func TestLimiter_AcquireDeniedAfterMaxWait(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassInformational: {Capacity: 1, RefillPerSec: 0},
	}, zap.NewNop())

	l.TryAcquire(ClassInformational, 1)

	start := time.Now()
	if l.Acquire(context.Background(), ClassInformational, 1, 50*time.Millisecond) {
		t.Fatal("acquire should be denied when no refill occurs")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("denied acquire waited too long: %v", elapsed)
	}
}

func TestLimiter_AcquireRespectsContextCancel(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassInformational: {Capacity: 1, RefillPerSec: 0},
	}, zap.NewNop())
	l.TryAcquire(ClassInformational, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if l.Acquire(ctx, ClassInformational, 1, 10*time.Second) {
		t.Fatal("acquire should fail once context is cancelled")
	}
}

func TestLimiter_ConcurrentAcquireNeverOverspends(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassSend: {Capacity: 100, RefillPerSec: 0},
	}, zap.NewNop())

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ClassSend, 1) {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	if granted != 100 {
		t.Fatalf("expected exactly 100 grants, got %d", granted)
	}
}

func TestLimiter_CriticalClassSurvivesInformationalFlood(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassCritical:      {Capacity: 1000, RefillPerSec: 100},
		ClassInformational: {Capacity: 10, RefillPerSec: 1},
	}, zap.NewNop())

	// Flood the informational bucket from many goroutines while critical
	// events trickle through. Every critical acquire must be granted.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.TryAcquire(ClassInformational, 1)
			}
		}()
	}

	var denied int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.Acquire(context.Background(), ClassCritical, 1, time.Second) {
				atomic.AddInt64(&denied, 1)
			}
		}()
	}
	wg.Wait()

	if denied != 0 {
		t.Fatalf("critical acquires denied under informational flood: %d", denied)
	}
}

func TestLimiter_UnconfiguredClassFailsOpen(t *testing.T) {
	l := New(map[Class]BucketConfig{}, zap.NewNop())

	if !l.TryAcquire(ClassSend, 1) {
		t.Fatal("unconfigured class should fail open")
	}
}
