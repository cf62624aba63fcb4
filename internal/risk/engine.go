// Package risk implements the execution risk engine: a fixed ordered
// sequence of checks applied to every order intent before submission
// (spec.md §4.9).
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/boundedcache"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limits is the engine's named, complete configuration (spec.md §9:
// "a value type with a named, complete enumeration of options").
type Limits struct {
	MaxPositionSize        decimal.Decimal
	MaxConcurrentPositions int
	MaxDailyLossPct        decimal.Decimal
	MaxTradesPerHour       int
	PerSymbolExposureCap   decimal.Decimal
	RequireSL              bool
	DealingRules           map[string]DealingRules // per symbol
	DefaultRules           DealingRules
}

// DealingRules mirrors the broker's per-symbol size constraints.
type DealingRules struct {
	MaxSize  decimal.Decimal
	MinSize  decimal.Decimal
	SizeStep decimal.Decimal
}

// Decision is the engine's verdict for one intent.
type Decision struct {
	Allowed          bool
	AdjustedSize     decimal.Decimal
	OriginalSize     decimal.Decimal
	ReasonCodes      []string
	RejectionReason  string
}

// Engine evaluates intents against Limits, maintaining a sliding window
// of recent trade timestamps for the trades-per-hour check.
type Engine struct {
	mu      sync.Mutex
	logger  *zap.Logger
	limits  Limits
	trades  *boundedcache.WindowedCounter
}

// New creates a risk engine with the given limits.
func New(logger *zap.Logger, limits Limits) *Engine {
	return &Engine{
		logger: logger,
		limits: limits,
		trades: boundedcache.NewWindowedCounter(time.Hour, 100000),
	}
}

// ExposureInput carries the data the per-symbol exposure check needs.
// MidPrice MUST be supplied by the caller; per spec.md §9's open
// question, a missing price is an error, never a silent 1.0 substitute.
type ExposureInput struct {
	ExistingNotional decimal.Decimal
	MidPrice         *decimal.Decimal
}

// Evaluate runs the nine ordered checks from spec.md §4.9 against intent.
func (e *Engine) Evaluate(intent types.OrderIntent, openPositionCount int, balance, todayPnL decimal.Decimal, exposure ExposureInput, now time.Time) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := intent.Size
	original := size
	var reasons []string

	// 1. Cap to max_position_size.
	if !e.limits.MaxPositionSize.IsZero() && size.GreaterThan(e.limits.MaxPositionSize) {
		size = e.limits.MaxPositionSize
		reasons = append(reasons, "capped_to_max_position_size")
	}

	// 2. Cap to per-symbol max_size (dealing rules).
	rules := e.rulesFor(intent.Symbol)
	if !rules.MaxSize.IsZero() && size.GreaterThan(rules.MaxSize) {
		size = rules.MaxSize
		reasons = append(reasons, "capped_to_symbol_max_size")
	}

	// 3. Round to size_step.
	if !rules.SizeStep.IsZero() {
		rounded := size.Div(rules.SizeStep).Round(0).Mul(rules.SizeStep)
		if !rounded.Equal(size) {
			size = rounded
			reasons = append(reasons, "rounded_to_size_step")
		}
	}

	// 4. Reject if size < min_size.
	if !rules.MinSize.IsZero() && size.LessThan(rules.MinSize) {
		return e.reject(original, size, reasons, "size below minimum after adjustments")
	}

	// 5. Reject if open position count >= max_concurrent_positions.
	if e.limits.MaxConcurrentPositions > 0 && openPositionCount >= e.limits.MaxConcurrentPositions {
		return e.reject(original, size, reasons, "max concurrent positions reached")
	}

	// 6. Reject if |min(0, today_pnl)| / balance * 100 >= max_daily_loss_pct.
	if !balance.IsZero() {
		lossOnly := decimal.Min(decimal.Zero, todayPnL).Abs()
		lossPct := lossOnly.Div(balance).Mul(decimal.NewFromInt(100))
		if !e.limits.MaxDailyLossPct.IsZero() && lossPct.GreaterThanOrEqual(e.limits.MaxDailyLossPct) {
			return e.reject(original, size, reasons, "max daily loss reached")
		}
	}

	// 7. Reject if trades_in_last_hour >= max_trades_per_hour.
	if e.limits.MaxTradesPerHour > 0 && e.trades.Count(now) >= e.limits.MaxTradesPerHour {
		return e.reject(original, size, reasons, "max trades per hour reached")
	}

	// 8. Reject if (existing symbol exposure + proposed notional) > per_symbol_exposure_cap.
	if !e.limits.PerSymbolExposureCap.IsZero() {
		if exposure.MidPrice == nil {
			return Decision{}, fmt.Errorf("risk: exposure check requires a mid/bid/ask price for %s, none supplied", intent.Symbol)
		}
		proposedNotional := size.Mul(*exposure.MidPrice)
		total := exposure.ExistingNotional.Add(proposedNotional)
		if total.GreaterThan(e.limits.PerSymbolExposureCap) {
			return e.reject(original, size, reasons, "per-symbol exposure cap exceeded")
		}
	}

	// 9. Reject if require_sl and no SL provided.
	if e.limits.RequireSL && intent.StopLoss == nil {
		return e.reject(original, size, reasons, "stop loss required but not provided")
	}

	return Decision{
		Allowed: true, AdjustedSize: size, OriginalSize: original, ReasonCodes: reasons,
	}, nil
}

func (e *Engine) rulesFor(symbol string) DealingRules {
	if r, ok := e.limits.DealingRules[symbol]; ok {
		return r
	}
	return e.limits.DefaultRules
}

func (e *Engine) reject(original, adjusted decimal.Decimal, reasons []string, reason string) (Decision, error) {
	return Decision{
		Allowed: false, AdjustedSize: adjusted, OriginalSize: original,
		ReasonCodes: reasons, RejectionReason: reason,
	}, nil
}

// RecordTrade records a successful submission so the trades-per-hour
// check (7) remains correct; old timestamps are pruned automatically by
// the underlying sliding window.
func (e *Engine) RecordTrade(now time.Time) {
	e.trades.Record(now)
}
