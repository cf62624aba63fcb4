package walkforward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateFoldsRollingScenario(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	folds := GenerateFolds(start, end, 30, 15, 15, ModeRolling)
	require.Len(t, folds, 4)

	expect := []struct{ isStart, isEnd, oosStart, oosEnd string }{
		{"2024-01-01", "2024-01-31", "2024-01-31", "2024-02-15"},
		{"2024-01-16", "2024-02-15", "2024-02-15", "2024-03-01"},
		{"2024-01-31", "2024-03-01", "2024-03-01", "2024-03-16"},
		{"2024-02-15", "2024-03-16", "2024-03-16", "2024-03-31"},
	}
	for i, e := range expect {
		require.Equal(t, e.isStart, folds[i].IS.Start.Format("2006-01-02"), "fold %d IS start", i)
		require.Equal(t, e.isEnd, folds[i].IS.End.Format("2006-01-02"), "fold %d IS end", i)
		require.Equal(t, e.oosStart, folds[i].OOS.Start.Format("2006-01-02"), "fold %d OOS start", i)
		require.Equal(t, e.oosEnd, folds[i].OOS.End.Format("2006-01-02"), "fold %d OOS end", i)
	}
}

func TestGenerateFoldsAnchoredSharesStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	folds := GenerateFolds(start, end, 30, 15, 15, ModeAnchored)
	require.NotEmpty(t, folds)
	for _, f := range folds {
		require.True(t, f.IS.Start.Equal(start), "anchored fold IS start must always be the overall start")
	}
}

func TestGenerateFoldsOOSNonOverlapping(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	folds := GenerateFolds(start, end, 20, 10, 10, ModeRolling)
	require.NotEmpty(t, folds)
	for i := 1; i < len(folds); i++ {
		require.False(t, folds[i].OOS.Start.Before(folds[i-1].OOS.End), "fold %d OOS overlaps fold %d OOS", i, i-1)
	}
}
