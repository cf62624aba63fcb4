package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// MeanReversion signals against price extended beyond a simple
// standard-deviation band around its own moving average, adapted from
// the teacher's MeanReversionStrategy (Bollinger Bands); the standard
// deviation's square root is taken on decimal.Decimal with the
// Newton's-method sqrtDecimal rather than math.Sqrt.
type MeanReversion struct {
	period    int
	numStdDev decimal.Decimal
}

// NewMeanReversion builds a 20-bar, 2-standard-deviation band, the
// teacher's defaults.
func NewMeanReversion() *MeanReversion {
	return &MeanReversion{
		period:    20,
		numStdDev: decimal.NewFromInt(2),
	}
}

func (m *MeanReversion) Name() string { return "mean_reversion" }

func (m *MeanReversion) Warmup() int { return m.period }

func (m *MeanReversion) Evaluate(bars []types.Bar, _ types.PositionHint, _ Context) (types.SignalIntent, error) {
	if len(bars) < m.Warmup() {
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"insufficient_bars"}}, nil
	}

	window := bars[len(bars)-m.period:]
	mean := decimal.Zero
	for _, b := range window {
		mean = mean.Add(b.Close)
	}
	mean = mean.Div(decimal.NewFromInt(int64(m.period)))

	variance := decimal.Zero
	for _, b := range window {
		d := b.Close.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(m.period)))
	stdDev := sqrtDecimal(variance)

	band := stdDev.Mul(m.numStdDev)
	upper := mean.Add(band)
	lower := mean.Sub(band)
	last := bars[len(bars)-1].Close

	switch {
	case last.LessThan(lower):
		return types.SignalIntent{
			Direction: types.DirectionBuy,
			Reasons:   []string{"below_lower_band"},
			Metadata:  map[string]any{"mean": mean.String(), "lower": lower.String()},
		}, nil
	case last.GreaterThan(upper):
		return types.SignalIntent{
			Direction: types.DirectionSell,
			Reasons:   []string{"above_upper_band"},
			Metadata:  map[string]any{"mean": mean.String(), "upper": upper.String()},
		}, nil
	default:
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"within_band"}}, nil
	}
}

// sqrtDecimal approximates a square root via Newton's method, the same
// technique the teacher's strategy.go uses for decimal.Decimal since
// the package has no native Sqrt.
func sqrtDecimal(x decimal.Decimal) decimal.Decimal {
	if !x.IsPositive() {
		return decimal.Zero
	}
	guess := x
	half := decimal.NewFromFloat(0.5)
	for i := 0; i < 30; i++ {
		next := guess.Add(x.Div(guess)).Mul(half)
		if next.Sub(guess).Abs().LessThan(decimal.NewFromFloat(0.00000001)) {
			return next
		}
		guess = next
	}
	return guess
}
