// Package ratelimit guards the management API's mutation routes with a
// per-client-IP token bucket, adapted from the teacher's
// internal/ratelimit.Limiter.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages a collection of token bucket limiters keyed by an
// arbitrary string identifier (here, the client's IP address).
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	rps   float64
	burst int
}

// New builds a Limiter where every key shares the same requests-per-second
// and burst configuration.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      requestsPerSecond,
		burst:    burst,
	}
}

// Allow reports whether a request keyed by key may proceed, creating a
// fresh bucket for keys seen for the first time.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = lim
	return lim
}

// Remove discards the bucket tracked for key, if any.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
