package walkforward

import (
	"testing"

	"github.com/atlas-desktop/forex-engine/internal/sweep"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/stretchr/testify/require"
)

func comboResult(symbol string, sharpe, returnPct float64) sweep.ComboResult {
	return sweep.ComboResult{
		Spec:   sweep.ComboSpec{Symbol: symbol, Bot: "momentum", Timeframe: types.TimeframeH1},
		Sharpe: sharpe, ReturnPct: returnPct,
	}
}

func TestTopNRanksByRequestedMetricAndExcludesFailed(t *testing.T) {
	results := []sweep.ComboResult{
		comboResult("EURUSD", 1.5, 0.1),
		comboResult("GBPUSD", 2.5, 0.2),
		{Spec: sweep.ComboSpec{Symbol: "USDJPY"}, Sharpe: 99, Failed: true},
	}
	top := topN(results, RankSharpe, 1)
	require.Len(t, top, 1)
	require.Equal(t, "GBPUSD", top[0].Symbol)
}

func TestAggregateFlagsInsufficientFolds(t *testing.T) {
	key := ComboKey{Symbol: "EURUSD", Bot: "momentum", Timeframe: types.TimeframeH1}
	byCombo := map[ComboKey][]sweep.ComboResult{
		key: {comboResult("EURUSD", 1.0, 0.05)},
	}
	recs := aggregate(byCombo)
	require.Len(t, recs, 1)
	require.True(t, recs[0].InsufficientFolds)
	require.Zero(t, recs[0].ConsistencyScore)
}

func TestAggregateComputesConsistencyScore(t *testing.T) {
	key := ComboKey{Symbol: "EURUSD", Bot: "momentum", Timeframe: types.TimeframeH1}
	byCombo := map[ComboKey][]sweep.ComboResult{
		key: {
			comboResult("EURUSD", 1.0, 0.05),
			comboResult("EURUSD", 1.2, 0.03),
			comboResult("EURUSD", 0.8, -0.01),
		},
	}
	recs := aggregate(byCombo)
	require.Len(t, recs, 1)
	require.False(t, recs[0].InsufficientFolds)
	require.Equal(t, 3, recs[0].Folds)
	require.InDelta(t, 2.0/3.0, recs[0].PercentProfitable, 1e-9)
	require.Greater(t, recs[0].ConsistencyScore, 0.0)
}
