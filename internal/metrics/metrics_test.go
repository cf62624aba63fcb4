package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func equityPoint(equity float64, t time.Time) types.EquityPoint {
	return types.EquityPoint{Timestamp: t, Equity: decimal.NewFromFloat(equity)}
}

func TestSharpeSentinelOnZeroStdevPositiveExcess(t *testing.T) {
	now := time.Now()
	curve := []types.EquityPoint{
		equityPoint(1000, now),
		equityPoint(1010, now.Add(time.Hour)),
		equityPoint(1020.1, now.Add(2*time.Hour)),
	}
	// constant positive per-period return -> zero stdev, positive mean.
	r := Calculate(nil, curve, decimal.NewFromInt(1000), 252)
	assert.InDelta(t, SharpeSentinelCap, r.Sharpe.InexactFloat64(), 0.5)
}

func TestSortinoInfiniteWhenNoDownside(t *testing.T) {
	now := time.Now()
	curve := []types.EquityPoint{
		equityPoint(1000, now),
		equityPoint(1010, now.Add(time.Hour)),
		equityPoint(1030, now.Add(2*time.Hour)),
	}
	r := Calculate(nil, curve, decimal.NewFromInt(1000), 252)
	assert.True(t, r.SortinoInfinite)
}

func TestProfitFactorCappedOnZeroGrossLoss(t *testing.T) {
	trades := []types.TradeRecord{
		{PnL: decimal.NewFromInt(100)},
		{PnL: decimal.NewFromInt(50)},
	}
	r := Calculate(trades, nil, decimal.NewFromInt(1000), 252)
	assert.True(t, r.ProfitFactor.Equal(decimal.NewFromFloat(ProfitFactorCapped)))
}

func TestBarsPerYearM1(t *testing.T) {
	bpy := BarsPerYear(types.TimeframeM1)
	assert.InDelta(t, 252*1440, bpy, 0.001)
}

func TestMaxDrawdownDurationResetsOnNewHigh(t *testing.T) {
	now := time.Now()
	curve := []types.EquityPoint{
		equityPoint(1000, now),
		equityPoint(900, now.Add(time.Hour)),
		equityPoint(1100, now.Add(2*time.Hour)),
		equityPoint(1050, now.Add(3*time.Hour)),
	}
	r := Calculate(nil, curve, decimal.NewFromInt(1000), 252)
	assert.True(t, r.MaxDrawdownAbs.GreaterThan(decimal.Zero))
	assert.False(t, math.IsNaN(r.MaxDrawdownPct.InexactFloat64()))
	assert.Equal(t, 1, r.MaxDrawdownDuration, "the 1100 high resets the count, so the longest run below a peak is one bar")
}
