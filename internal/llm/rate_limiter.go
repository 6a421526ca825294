package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter smooths bursts of widget fan-out against a backend using a
// token bucket with an optional concurrency ceiling.
type RateLimiter struct {
	mu            sync.Mutex
	tokens        float64
	maxTokens     float64
	refillRate    float64 // tokens per second
	lastRefill    time.Time
	activeCount   int
	maxConcurrent int
	waiters       []chan struct{}
}

// NewRateLimiter creates a limiter allowing perSecond requests with a burst
// of the same size. maxConcurrent <= 0 means unbounded concurrency.
// A nil limiter (perSecond <= 0) never blocks.
func NewRateLimiter(perSecond float64, maxConcurrent int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	burst := perSecond
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		tokens:        burst,
		maxTokens:     burst,
		refillRate:    perSecond,
		lastRefill:    time.Now(),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire blocks until a slot is available or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	if rl == nil {
		return nil
	}

	for {
		rl.mu.Lock()
		rl.refill()

		if rl.maxConcurrent > 0 && rl.activeCount >= rl.maxConcurrent {
			waiter := make(chan struct{})
			rl.waiters = append(rl.waiters, waiter)
			rl.mu.Unlock()

			select {
			case <-waiter:
				continue
			case <-ctx.Done():
				rl.removeWaiter(waiter)
				return ctx.Err()
			}
		}

		if rl.tokens >= 1 {
			rl.tokens--
			rl.activeCount++
			rl.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - rl.tokens) / rl.refillRate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Release returns a concurrency slot after the call completes.
func (rl *RateLimiter) Release() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.activeCount > 0 {
		rl.activeCount--
	}
	if len(rl.waiters) > 0 {
		waiter := rl.waiters[0]
		rl.waiters = rl.waiters[1:]
		close(waiter)
	}
}

// CanProceed reports whether Acquire would return immediately.
func (rl *RateLimiter) CanProceed() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.maxConcurrent > 0 && rl.activeCount >= rl.maxConcurrent {
		return false
	}
	return rl.tokens >= 1
}

// WaitTime returns the estimated time until a token is available.
func (rl *RateLimiter) WaitTime() time.Duration {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.refillRate * float64(time.Second))
}

func (rl *RateLimiter) removeWaiter(waiter chan struct{}) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, w := range rl.waiters {
		if w == waiter {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			return
		}
	}
}

// refill adds tokens based on elapsed time (must be called with lock held).
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}
