package safety

import (
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SizeValidator applies the DEMO hard size cap; in LIVE mode it
// delegates entirely to the risk engine (spec.md §4.10).
type SizeValidator struct {
	DemoMaxSize decimal.Decimal
}

// Validate caps size in DEMO mode; LIVE mode passes the size through
// unchanged since the risk engine owns LIVE sizing.
func (v SizeValidator) Validate(mode types.TradingMode, size decimal.Decimal) (decimal.Decimal, bool) {
	if mode != types.TradingModeDemo {
		return size, false
	}
	if v.DemoMaxSize.IsZero() || size.LessThanOrEqual(v.DemoMaxSize) {
		return size, false
	}
	return v.DemoMaxSize, true
}

// Guard composes the three sub-guards and is run strictly before the
// risk engine on every route_intent call.
type Guard struct {
	Idempotency *IdempotencyGuard
	Breaker     *CircuitBreaker
	SizeValidator SizeValidator
}

// NewGuard builds a Guard with the given components.
func NewGuard(idempotency *IdempotencyGuard, breaker *CircuitBreaker, sizeValidator SizeValidator) *Guard {
	return &Guard{Idempotency: idempotency, Breaker: breaker, SizeValidator: sizeValidator}
}

// Result is the guard's pre-order verdict.
type Result struct {
	Allowed        bool
	RejectionReason string
	AdjustedSize   decimal.Decimal
	SizeAdjusted   bool
}

// Check runs all three sub-guards in order: idempotency, circuit
// breaker, size validator.
func (g *Guard) Check(mode types.TradingMode, intentID string, size decimal.Decimal, now time.Time) Result {
	if !g.Idempotency.CheckAndRecord(intentID, now) {
		return Result{Allowed: false, RejectionReason: "Duplicate intent_id rejected by idempotency guard"}
	}
	if !g.Breaker.Allow(now) {
		return Result{Allowed: false, RejectionReason: "Circuit breaker is tripped"}
	}
	adjusted, changed := g.SizeValidator.Validate(mode, size)
	return Result{Allowed: true, AdjustedSize: adjusted, SizeAdjusted: changed}
}

// RecordOrderSuccess should be called after a successful fill; present
// for symmetry with RecordOrderError and future breaker-recovery logic.
func (g *Guard) RecordOrderSuccess() {}

// RecordOrderError records an order error against the circuit breaker.
func (g *Guard) RecordOrderError(now time.Time) {
	g.Breaker.RecordError(now)
}
