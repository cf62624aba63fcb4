package safety

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreaker records order errors; if threshold errors occur within
// window, it trips and blocks all pre-order checks until cooldown
// elapses or it is manually reset. Exactly one trip event fires per
// trip (spec.md §4.10).
type CircuitBreaker struct {
	mu        sync.Mutex
	logger    *zap.Logger
	threshold int
	window    time.Duration
	cooldown  time.Duration

	errorTimes []time.Time
	tripped    bool
	trippedAt  time.Time
	onTrip     func()
}

// NewCircuitBreaker creates a breaker with the given threshold, error
// window, and auto-reset cooldown. onTrip, if non-nil, fires exactly
// once per trip (used to emit the circuit_breaker_tripped event).
func NewCircuitBreaker(logger *zap.Logger, threshold int, window, cooldown time.Duration, onTrip func()) *CircuitBreaker {
	return &CircuitBreaker{logger: logger, threshold: threshold, window: window, cooldown: cooldown, onTrip: onTrip}
}

// Allow reports whether submissions are currently permitted, applying
// the auto-reset cooldown if elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeAutoResetLocked(now)
	return !c.tripped
}

func (c *CircuitBreaker) maybeAutoResetLocked(now time.Time) {
	if c.tripped && now.Sub(c.trippedAt) >= c.cooldown {
		c.tripped = false
		c.errorTimes = nil
	}
}

// RecordError records an order error at now, tripping the breaker if
// the threshold is reached within the window.
func (c *CircuitBreaker) RecordError(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeAutoResetLocked(now)

	cutoff := now.Add(-c.window)
	kept := c.errorTimes[:0]
	for _, t := range c.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errorTimes = append(kept, now)

	if !c.tripped && c.threshold > 0 && len(c.errorTimes) >= c.threshold {
		c.tripped = true
		c.trippedAt = now
		if c.logger != nil {
			c.logger.Warn("circuit breaker tripped", zap.Int("errors", len(c.errorTimes)))
		}
		if c.onTrip != nil {
			c.onTrip()
		}
	}
}

// Reset manually clears the tripped state.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripped = false
	c.errorTimes = nil
}

// Tripped reports the current tripped state without applying auto-reset.
func (c *CircuitBreaker) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped
}
