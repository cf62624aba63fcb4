package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func barAt(t time.Time, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{
		Timestamp: t,
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM1,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.Zero,
	}
}

func risingBars(n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		bars[i] = barAt(base.Add(time.Duration(i)*time.Minute), start+float64(i)*step)
	}
	return bars
}

func TestRegistryCreatesKnownStrategies(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"momentum", "mean_reversion", "trend_following"} {
		s, err := r.Create(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
}

func TestRegistryUnknownStrategyErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("does_not_exist")
	assert.Error(t, err)
}

func TestMomentumHoldsBelowWarmup(t *testing.T) {
	m := NewMomentum()
	bars := risingBars(3, 1.1000, 0.0001)
	sig, err := m.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionHold, sig.Direction)
}

func TestMomentumSignalsBuyOnSustainedRise(t *testing.T) {
	m := NewMomentum()
	bars := risingBars(m.Warmup()+1, 1.1000, 0.0010)
	sig, err := m.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionBuy, sig.Direction)
}

func TestMomentumSignalsSellOnSustainedDrop(t *testing.T) {
	m := NewMomentum()
	bars := risingBars(m.Warmup()+1, 1.2000, -0.0010)
	sig, err := m.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionSell, sig.Direction)
}

func TestMeanReversionSignalsBuyBelowLowerBand(t *testing.T) {
	mr := NewMeanReversion()
	bars := make([]types.Bar, 0, mr.Warmup())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < mr.Warmup()-1; i++ {
		bars = append(bars, barAt(base.Add(time.Duration(i)*time.Minute), 1.1000))
	}
	bars = append(bars, barAt(base.Add(time.Duration(mr.Warmup())*time.Minute), 1.0500))

	sig, err := mr.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionBuy, sig.Direction)
}

func TestMeanReversionHoldsWithinBand(t *testing.T) {
	mr := NewMeanReversion()
	bars := make([]types.Bar, 0, mr.Warmup())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < mr.Warmup(); i++ {
		bars = append(bars, barAt(base.Add(time.Duration(i)*time.Minute), 1.1000))
	}

	sig, err := mr.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionHold, sig.Direction)
}

func TestTrendFollowingHoldsBelowWarmup(t *testing.T) {
	tf := NewTrendFollowing()
	bars := risingBars(5, 1.1000, 0.0001)
	sig, err := tf.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionHold, sig.Direction)
}

func TestTrendFollowingSignalsOnCrossUp(t *testing.T) {
	tf := NewTrendFollowing()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, tf.Warmup())
	for i := 0; i < tf.slowPeriod; i++ {
		bars = append(bars, barAt(base.Add(time.Duration(i)*time.Minute), 1.1000))
	}
	for i := tf.slowPeriod; i < tf.Warmup()+5; i++ {
		price := 1.1000 + float64(i-tf.slowPeriod+1)*0.0050
		bars = append(bars, barAt(base.Add(time.Duration(i)*time.Minute), price))
	}

	sig, err := tf.Evaluate(bars, types.PositionHint{}, Context{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionBuy, sig.Direction)
}
