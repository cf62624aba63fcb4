package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// Momentum compares the most recent close against the close N bars
// ago and signals in the direction of the move once it clears a
// threshold. Adapted from the teacher's MomentumStrategy, stripped of
// per-instance mutable parameters since Evaluate is pure here.
type Momentum struct {
	lookback  int
	threshold decimal.Decimal
}

// NewMomentum builds a Momentum strategy with a 10-bar lookback and a
// 0.1% move threshold, the teacher's defaults.
func NewMomentum() *Momentum {
	return &Momentum{
		lookback:  10,
		threshold: decimal.NewFromFloat(0.001),
	}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Warmup() int { return m.lookback + 1 }

func (m *Momentum) Evaluate(bars []types.Bar, _ types.PositionHint, _ Context) (types.SignalIntent, error) {
	if len(bars) < m.Warmup() {
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"insufficient_bars"}}, nil
	}

	last := bars[len(bars)-1]
	ref := bars[len(bars)-1-m.lookback]
	if ref.Close.IsZero() {
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"zero_reference_close"}}, nil
	}

	change := last.Close.Sub(ref.Close).Div(ref.Close)
	switch {
	case change.GreaterThan(m.threshold):
		return types.SignalIntent{
			Direction: types.DirectionBuy,
			Reasons:   []string{"momentum_up"},
			Metadata:  map[string]any{"change": change.String()},
		}, nil
	case change.LessThan(m.threshold.Neg()):
		return types.SignalIntent{
			Direction: types.DirectionSell,
			Reasons:   []string{"momentum_down"},
			Metadata:  map[string]any{"change": change.String()},
		}, nil
	default:
		return types.SignalIntent{Direction: types.DirectionHold, Reasons: []string{"within_threshold"}}, nil
	}
}
