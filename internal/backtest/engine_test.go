package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	bars map[string][]types.Bar
}

func (f *fakeStore) ReadBars(_ context.Context, symbol string, _ types.Timeframe, _, _ *time.Time, _ int) ([]types.Bar, error) {
	return f.bars[symbol], nil
}

// trendingBars generates n strictly-increasing-timestamp H1 bars with a
// steady upward drift, enough to trip the momentum strategy's buy
// threshold deterministically.
func trendingBars(symbol string, n int) []types.Bar {
	bars := make([]types.Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromFloat(1.1000)
	step := decimal.NewFromFloat(0.0005)
	for i := 0; i < n; i++ {
		open := price
		close := price.Add(step)
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Symbol:    symbol, Timeframe: types.TimeframeH1,
			Open: open, High: close.Add(decimal.NewFromFloat(0.0001)),
			Low: open.Sub(decimal.NewFromFloat(0.0001)), Close: close,
			Volume: decimal.NewFromInt(100),
		}
		price = close
	}
	return bars
}

func newTestEngine() (*Engine, *fakeStore) {
	logger := zap.NewNop()
	store := &fakeStore{bars: map[string][]types.Bar{"EURUSD": trendingBars("EURUSD", 500)}}
	registry := strategy.NewRegistry()
	sim := broker.NewSimulator(logger, broker.SimConfig{
		SpreadBySymbol:   map[string]decimal.Decimal{"EURUSD": decimal.NewFromFloat(0.0002)},
		SlippageBySymbol: map[string]decimal.Decimal{"EURUSD": decimal.NewFromFloat(0.00001)},
		Fees:             broker.FeeSchedule{PerTradeFlat: decimal.NewFromFloat(0.1)},
		DefaultRules:     broker.DealingRules{MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromInt(100), SizeStep: decimal.NewFromFloat(0.01)},
	})
	riskEngine := risk.New(logger, risk.Limits{
		MaxPositionSize: decimal.NewFromInt(10), MaxConcurrentPositions: 5,
		MaxDailyLossPct: decimal.NewFromInt(50), MaxTradesPerHour: 1000,
		PerSymbolExposureCap: decimal.NewFromInt(1000000),
		DefaultRules:         risk.DealingRules{MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromInt(100), SizeStep: decimal.NewFromFloat(0.01)},
	})
	return New(logger, store, registry, sim, riskEngine), store
}

func testConfig() Config {
	return Config{
		RunID: "test-run", Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeH1,
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Bots: []string{"momentum"}, InitialCash: decimal.NewFromInt(10000), Warmup: 15,
		Sizing: FixedSizing(decimal.NewFromInt(1)),
	}
}

func TestRunIsDeterministic(t *testing.T) {
	engine, _ := newTestEngine()
	cfg := testConfig()

	r1, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	engine2, _ := newTestEngine()
	r2, err := engine2.Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	require.Equal(t, len(r1.Trades), len(r2.Trades))
	require.Equal(t, len(r1.EquityCurve), len(r2.EquityCurve))
	require.True(t, r1.MetricsCombined.Sharpe.Equal(r2.MetricsCombined.Sharpe))
	for i := range r1.EquityCurve {
		require.True(t, r1.EquityCurve[i].Equity.Equal(r2.EquityCurve[i].Equity))
	}
}

func TestRunRejectsBelowWarmup(t *testing.T) {
	engine, _ := newTestEngine()
	cfg := testConfig()
	cfg.Warmup = 10000

	_, err := engine.Run(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunProducesTradesOnTrendingBars(t *testing.T) {
	engine, _ := newTestEngine()
	cfg := testConfig()

	var stages []string
	result, err := engine.Run(context.Background(), cfg, func(stage string, done, total int, message string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)
	require.NotEmpty(t, stages)
	require.NotEmpty(t, result.Trades)
	require.NotEmpty(t, result.EquityCurve)

	// high-water mark is monotone non-decreasing (spec.md §8).
	for i := 1; i < len(result.EquityCurve); i++ {
		require.True(t, result.EquityCurve[i].HighWaterMark.GreaterThanOrEqual(result.EquityCurve[i-1].HighWaterMark))
	}
}

func TestWriteArtifactsRoundTrips(t *testing.T) {
	engine, _ := newTestEngine()
	cfg := testConfig()
	result, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	dir, err := result.WriteArtifacts(t.TempDir())
	require.NoError(t, err)
	require.DirExists(t, dir)
	require.FileExists(t, dir+"/manifest.json")
	require.FileExists(t, dir+"/equity_curve.csv")
	require.FileExists(t, dir+"/trades.csv")
	require.FileExists(t, dir+"/orders.csv")
	require.FileExists(t, dir+"/metrics.json")
	require.FileExists(t, dir+"/warnings.json")
}
