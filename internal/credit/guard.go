package credit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AnonymousGuard rate-limits unauthenticated clients, keyed by an
// opaque client identifier (typically a hashed address). Each key gets
// its own token bucket.
type AnonymousGuard struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*guardEntry
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAnonymousGuard allows roughly limit requests per second per key
// with the given burst.
func NewAnonymousGuard(limit rate.Limit, burst int) *AnonymousGuard {
	return &AnonymousGuard{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*guardEntry),
	}
}

// Allow reports whether the key may proceed right now.
func (g *AnonymousGuard) Allow(key string) bool {
	g.mu.Lock()
	entry, ok := g.limiters[key]
	if !ok {
		entry = &guardEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	g.mu.Unlock()
	return entry.limiter.Allow()
}

// Prune drops buckets idle for longer than maxIdle and returns how
// many were removed.
func (g *AnonymousGuard) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, entry := range g.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(g.limiters, key)
			removed++
		}
	}
	return removed
}
