package internal

import (
	"slices"
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by username. A limit of zero
// or less lets everything through.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key unless it already has limit hits inside the
// window ending now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	hits := r.hits[key]
	// hits are ascending, so the expired ones form a prefix
	expired := 0
	for expired < len(hits) && !hits[expired].After(now.Add(-r.window)) {
		expired++
	}
	hits = slices.Delete(hits, 0, expired)
	if len(hits) >= r.limit {
		r.hits[key] = hits
		return false
	}
	r.hits[key] = append(hits, now)
	return true
}

// Forget drops the history for key once its last session is gone.
func (r *RateLimiter) Forget(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}
