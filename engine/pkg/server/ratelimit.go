package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimitError is the body of a 429 response.
type RateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// RateLimiter keeps one token bucket per delegator.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limiters map[string]*rateLimiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows r requests per second per key with the given burst.
// For example, NewRateLimiter(clock, rate.Every(time.Minute/30), 5) allows 30
// allocations a minute with a burst of 5.
func NewRateLimiter(clock clockwork.Clock, r rate.Limit, burst int) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:    clock,
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

// AllowWithRetry reports whether key may proceed, and otherwise how long
// until the next token.
func (rl *RateLimiter) AllowWithRetry(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep drops entries idle for longer than the cleanup window.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.idle)
	var removed int
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

func retrySeconds(d time.Duration) int {
	s := int(d.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}
