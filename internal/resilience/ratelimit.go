package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a key has used up its window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter is a sliding-window log limiter keyed by caller identity.
// Keys idle for a full window are swept, so the key set does not grow without bound.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// NewRateLimiter allows maxRequests per window for each key.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &RateLimiter{
		max:    maxRequests,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// CheckLimit records a request for key or fails fast with ErrRateLimitExceeded.
func (l *RateLimiter) CheckLimit(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(now)
	}

	hits := prune(l.hits[key], now.Add(-l.window))
	if len(hits) >= l.max {
		l.hits[key] = hits
		retryIn := hits[0].Add(l.window).Sub(now)
		return fmt.Errorf("%w for %s, retry in %s", ErrRateLimitExceeded, key, retryIn.Round(time.Millisecond))
	}
	l.hits[key] = append(hits, now)
	return nil
}

// Keys returns the number of keys currently tracked.
func (l *RateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func (l *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, hits := range l.hits {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = hits
		}
	}
	l.lastSweep = now
}

// prune drops timestamps at or before cutoff; hits are in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0:0], hits[i:]...)
}
