package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSimulator() *Simulator {
	cfg := SimConfig{
		SpreadBySymbol:   map[string]decimal.Decimal{"EURUSD": decimal.NewFromFloat(0.0002)},
		SlippageBySymbol: map[string]decimal.Decimal{"EURUSD": decimal.NewFromFloat(0.0001)},
		Fees: FeeSchedule{
			PerTradeFlat: decimal.NewFromFloat(1),
			PerLot:       decimal.NewFromFloat(0.5),
			Percentage:   decimal.NewFromFloat(0.01),
		},
		DefaultRules: DealingRules{
			MinSize:  decimal.NewFromFloat(0.01),
			MaxSize:  decimal.NewFromFloat(10),
			SizeStep: decimal.NewFromFloat(0.01),
		},
	}
	return NewSimulator(zap.NewNop(), cfg)
}

func TestFillBuyPaysAboveClose(t *testing.T) {
	sim := newTestSimulator()
	res := sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(1.1000), time.Now())
	require.True(t, res.Accepted)
	assert.True(t, res.Price.GreaterThan(decimal.NewFromFloat(1.1000)))
}

func TestFillSellReceivesBelowClose(t *testing.T) {
	sim := newTestSimulator()
	res := sim.Fill("EURUSD", SideSell, decimal.NewFromFloat(1), decimal.NewFromFloat(1.1000), time.Now())
	require.True(t, res.Accepted)
	assert.True(t, res.Price.LessThan(decimal.NewFromFloat(1.1000)))
}

func TestCloseLongPricesLikeSell(t *testing.T) {
	sim := newTestSimulator()
	sellRes := sim.Fill("EURUSD", SideSell, decimal.NewFromFloat(1), decimal.NewFromFloat(1.1000), time.Now())
	closeRes := sim.Fill("EURUSD", SideCloseLong, decimal.NewFromFloat(1), decimal.NewFromFloat(1.1000), time.Now())
	require.True(t, sellRes.Accepted)
	require.True(t, closeRes.Accepted)
	assert.True(t, sellRes.Price.Equal(closeRes.Price))
}

func TestFillRejectsBelowMinSize(t *testing.T) {
	sim := newTestSimulator()
	res := sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(0.001), decimal.NewFromFloat(1.1), time.Now())
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "below minimum")
}

func TestFillRejectsAboveMaxSize(t *testing.T) {
	sim := newTestSimulator()
	res := sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(50), decimal.NewFromFloat(1.1), time.Now())
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "above maximum")
}

func TestFillRejectsOffStepSize(t *testing.T) {
	sim := newTestSimulator()
	cfg := SimConfig{
		DefaultRules: DealingRules{
			MinSize:  decimal.NewFromFloat(0.01),
			MaxSize:  decimal.NewFromFloat(10),
			SizeStep: decimal.NewFromFloat(0.5),
		},
	}
	sim = NewSimulator(zap.NewNop(), cfg)
	res := sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(1.37), decimal.NewFromFloat(1.1), time.Now())
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "not a multiple of step")
}

func TestHistoryRecordsEveryAttempt(t *testing.T) {
	sim := newTestSimulator()
	sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(1.1), time.Now())
	sim.Fill("EURUSD", SideBuy, decimal.NewFromFloat(0.001), decimal.NewFromFloat(1.1), time.Now())
	assert.Len(t, sim.History(), 2)
}
