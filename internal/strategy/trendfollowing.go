package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// TrendFollowing signals on a fast/slow EMA crossover, adapted from
// the teacher's TrendFollowingStrategy. Both EMAs are recomputed from
// the full window on every Evaluate call since this type carries no
// state between invocations.
type TrendFollowing struct {
	fastPeriod int
	slowPeriod int
}

// NewTrendFollowing builds a 12/26 EMA crossover, the teacher's
// defaults.
func NewTrendFollowing() *TrendFollowing {
	return &TrendFollowing{fastPeriod: 12, slowPeriod: 26}
}

func (t *TrendFollowing) Name() string { return "trend_following" }

func (t *TrendFollowing) Warmup() int { return t.slowPeriod + 1 }

func (t *TrendFollowing) Evaluate(bars []types.Bar, _ types.PositionHint, _ Context) (types.SignalIntent, error) {
	if len(bars) < t.Warmup() {
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"insufficient_bars"}}, nil
	}

	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fastPrev := ema(closes[:len(closes)-1], t.fastPeriod)
	slowPrev := ema(closes[:len(closes)-1], t.slowPeriod)
	fastNow := ema(closes, t.fastPeriod)
	slowNow := ema(closes, t.slowPeriod)

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	switch {
	case crossedUp:
		return types.SignalIntent{
			Direction: types.DirectionBuy,
			Reasons:   []string{"ema_cross_up"},
			Metadata:  map[string]any{"fast": fastNow.String(), "slow": slowNow.String()},
		}, nil
	case crossedDown:
		return types.SignalIntent{
			Direction: types.DirectionSell,
			Reasons:   []string{"ema_cross_down"},
			Metadata:  map[string]any{"fast": fastNow.String(), "slow": slowNow.String()},
		}, nil
	default:
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"no_cross"}}, nil
	}
}

// ema computes an exponential moving average over the full series,
// seeding with a simple average of the first `period` values.
func ema(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range closes[:period] {
		sum = sum.Add(c)
	}
	avg := sum.Div(decimal.NewFromInt(int64(period)))

	multiplier := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	result := avg
	for _, c := range closes[period:] {
		result = c.Sub(result).Mul(multiplier).Add(result)
	}
	return result
}
