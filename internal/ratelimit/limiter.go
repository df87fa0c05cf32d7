package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits per client key (usually the remote address)
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: sustained requests allowed per hour per client
// burst: max requests in a burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the rate limiter for a specific client
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = l.now()

	return e.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(key string) bool {
	limiter := l.GetLimiter(key)
	return limiter.Allow()
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(key string) float64 {
	limiter := l.GetLimiter(key)
	return limiter.Tokens()
}

// Prune forgets clients not seen for idle. Returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
