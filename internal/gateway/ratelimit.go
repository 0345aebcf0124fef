package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps request frames per connection. rpm <= 0 disables it.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Enabled reports whether limiting is active.
func (l *RateLimiter) Enabled() bool { return l.rpm > 0 }

// Allow consumes one token for the connection; false means rate limited.
func (l *RateLimiter) Allow(connectionID string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[connectionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
		l.limiters[connectionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops a closed connection's limiter.
func (l *RateLimiter) Forget(connectionID string) {
	l.mu.Lock()
	delete(l.limiters, connectionID)
	l.mu.Unlock()
}
