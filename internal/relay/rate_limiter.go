package relay

import (
	"sync"
	"time"
)

// RateLimiter caps how many signaling frames one session may push per
// interval, keeping a chatty leg from starving the rest.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(sessionID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sessionID]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[sessionID] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[sessionID] = fresh

	return true
}

// Forget drops a session's history once its pair is gone.
func (rl *RateLimiter) Forget(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sessionID)
}
