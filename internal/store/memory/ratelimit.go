package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// RateLimiter implements domain.RateLimiter with a per-key sliding window of
// request timestamps. Rejected requests are not counted, matching the Redis
// limiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow reports whether a request for key fits in the window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
