package session

import (
	"sync"
	"time"
)

// rateLimiter is a token-bucket limiter scoped to one connection,
// tracking spec.md §6.1's 50 inbound messages per 1s rolling window.
// A burst capacity equal to the window size lets a connection spend its
// whole per-second budget in one tick without being throttled early.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newRateLimiter(maxPerSecond int) *rateLimiter {
	return &rateLimiter{
		tokens:     float64(maxPerSecond),
		maxTokens:  float64(maxPerSecond),
		refillRate: float64(maxPerSecond),
		lastRefill: time.Now(),
	}
}

// allow reports whether the current message may proceed, consuming one
// token if so. Never blocks: an exceeded limit drops the message and
// the caller emits RATE_LIMIT_EXCEEDED (spec.md §6.1).
func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill)
	l.tokens += elapsed.Seconds() * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return true
	}
	return false
}
