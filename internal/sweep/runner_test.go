package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/barstore"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedStore(t *testing.T, symbol string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.duckdb")
	store, err := barstore.Open(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	bars := make([]types.Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromFloat(1.1)
	step := decimal.NewFromFloat(0.0005)
	for i := 0; i < n; i++ {
		close := price.Add(step)
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour), Symbol: symbol, Timeframe: types.TimeframeH1,
			Open: price, High: close, Low: price, Close: close, Volume: decimal.NewFromInt(1),
		}
		price = close
	}
	_, _, err = store.WriteBars(context.Background(), bars, "seed")
	require.NoError(t, err)
	return path
}

func testRequest(storePath string) Request {
	return Request{
		Symbols: []string{"EURUSD"}, Bots: []string{"momentum"}, Timeframes: []types.Timeframe{types.TimeframeH1},
		Windows: []Window{{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)}},
		BarStorePath: storePath, InitialCash: decimal.NewFromInt(10000), Warmup: 15,
		Sim: SimParams{
			Spread: decimal.NewFromFloat(0.0002), Slippage: decimal.NewFromFloat(0.00001),
			PerTradeFlat: decimal.NewFromFloat(0.1), MinSize: decimal.NewFromFloat(0.1),
			MaxSize: decimal.NewFromInt(10), SizeStep: decimal.NewFromFloat(0.01),
		},
		Risk: RiskParams{
			MaxPositionSize: decimal.NewFromInt(5), MaxConcurrentPositions: 3,
			MaxDailyLossPct: decimal.NewFromInt(50), MaxTradesPerHour: 1000,
			PerSymbolExposureCap: decimal.NewFromInt(1000000),
		},
		MaxWorkers: 2,
	}
}

func TestComboIDStable(t *testing.T) {
	req := testRequest("unused")
	combos := GenerateCombos(req)
	require.Len(t, combos, 1)
	require.Len(t, combos[0].ComboID, 16)

	combos2 := GenerateCombos(req)
	require.Equal(t, combos[0].ComboID, combos2[0].ComboID)
}

func TestRequestHashStableAcrossCalls(t *testing.T) {
	req := testRequest("path")
	require.Equal(t, req.Hash(), req.Hash())

	other := req
	other.Symbols = []string{"GBPUSD"}
	require.NotEqual(t, req.Hash(), other.Hash())
}

func TestRunnerExecutesAndResumesIdempotently(t *testing.T) {
	storePath := seedStore(t, "EURUSD", 500)
	req := testRequest(storePath)
	sweepsDir := t.TempDir()

	runner := NewRunner(zap.NewNop(), "", nil)
	manifest, err := runner.Run(context.Background(), sweepsDir, req, true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, manifest.Status)
	require.Equal(t, 1, manifest.Total)
	require.Equal(t, 1, manifest.Completed)

	// Resume: every combo file is already present, so the second run
	// does zero new executions (spec.md §8 "Sweep resume idempotence").
	manifest2, err := runner.Run(context.Background(), sweepsDir, req, true)
	require.NoError(t, err)
	require.Equal(t, manifest.Total, manifest2.Total)
	require.Equal(t, manifest.Completed, manifest2.Completed)
}

func TestRunnerNewHashGetsFreshDirectory(t *testing.T) {
	storePath := seedStore(t, "EURUSD", 500)
	req := testRequest(storePath)
	sweepsDir := t.TempDir()

	runner := NewRunner(zap.NewNop(), "", nil)
	_, err := runner.Run(context.Background(), sweepsDir, req, true)
	require.NoError(t, err)

	other := req
	other.Symbols = []string{"EURUSD", "GBPUSD"}
	dir1 := sweepDirFor(sweepsDir, req)
	dir2 := sweepDirFor(sweepsDir, other)
	require.NotEqual(t, dir1, dir2)
}
