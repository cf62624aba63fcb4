// Package safety implements the execution safety guard: idempotency,
// circuit breaker, and DEMO size validation, composed and run strictly
// before the risk engine (spec.md §4.10).
package safety

import (
	"sync"
	"time"
)

// IdempotencyGuard rejects a duplicate intent_id seen again within
// window. The cache is size-capped; when full, the oldest 10% of
// entries are evicted to make room.
type IdempotencyGuard struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	seen     map[string]time.Time
	order    []string // insertion order, oldest first
}

// NewIdempotencyGuard creates a guard with the given dedup window and
// maximum cache capacity.
func NewIdempotencyGuard(window time.Duration, capacity int) *IdempotencyGuard {
	if capacity <= 0 {
		capacity = 10000
	}
	return &IdempotencyGuard{
		window: window, capacity: capacity, seen: make(map[string]time.Time, capacity),
	}
}

// CheckAndRecord returns true (allowed) if intentID has not been seen
// within the window, recording it; returns false if it is a duplicate.
func (g *IdempotencyGuard) CheckAndRecord(intentID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.seen[intentID]; ok && now.Sub(last) < g.window {
		return false
	}

	if _, ok := g.seen[intentID]; !ok {
		g.order = append(g.order, intentID)
	}
	g.seen[intentID] = now

	if len(g.order) > g.capacity {
		evictCount := g.capacity / 10
		if evictCount == 0 {
			evictCount = 1
		}
		for i := 0; i < evictCount && len(g.order) > 0; i++ {
			oldest := g.order[0]
			g.order = g.order[1:]
			delete(g.seen, oldest)
		}
	}
	return true
}

// Len returns the number of tracked intent ids.
func (g *IdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
