package barstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(zap.NewNop(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBar(symbol string, ts time.Time, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{
		Timestamp: ts, Symbol: symbol, Timeframe: types.TimeframeM1,
		Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(100),
	}
}

func TestWriteBarsThenReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bars := []types.Bar{
		sampleBar("EURUSD", base, 1.1000),
		sampleBar("EURUSD", base.Add(time.Minute), 1.1010),
	}
	written, deduped, err := s.WriteBars(ctx, bars, "run1")
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 0, deduped)

	got, err := s.ReadBars(ctx, "EURUSD", types.TimeframeM1, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestWriteBarsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bar := sampleBar("EURUSD", base, 1.1000)

	_, _, err := s.WriteBars(ctx, []types.Bar{bar}, "run1")
	require.NoError(t, err)

	written, deduped, err := s.WriteBars(ctx, []types.Bar{bar}, "run1")
	require.NoError(t, err)
	assert.Equal(t, 0, written)
	assert.Equal(t, 1, deduped)
}

func TestReadBarsRespectsRangeAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var bars []types.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, sampleBar("EURUSD", base.Add(time.Duration(i)*time.Minute), 1.10+float64(i)*0.0001))
	}
	_, _, err := s.WriteBars(ctx, bars, "run1")
	require.NoError(t, err)

	start := base.Add(2 * time.Minute)
	end := base.Add(6 * time.Minute)
	got, err := s.ReadBars(ctx, "EURUSD", types.TimeframeM1, &start, &end, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, start, got[0].Timestamp)
}

func TestGetSummaryAndHasM1Data(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasM1Data(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err = s.WriteBars(ctx, []types.Bar{sampleBar("EURUSD", base, 1.1000)}, "run1")
	require.NoError(t, err)

	has, err = s.HasM1Data(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	summary, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, "EURUSD", summary[0].Symbol)
	assert.Equal(t, int64(1), summary[0].Count)
}
