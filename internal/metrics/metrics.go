// Package metrics computes risk-adjusted performance statistics from an
// equity curve and trade list, and exposes live engine counters via
// Prometheus.
package metrics

import (
	"math"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Sentinel values for degenerate statistics, per spec.md §4.5: a zero
// standard deviation with positive excess return is capped rather than
// reported as an undefined infinity; Sortino's "no downside, positive
// mean" case is reported by Result.SortinoInfinite, with Sortino left 0.
const (
	SharpeSentinelCap  = 99.99
	ProfitFactorCapped = 999.99
)

// Result holds every computed performance statistic for one backtest or
// fold.
type Result struct {
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          decimal.Decimal
	AvgWin           decimal.Decimal
	AvgLoss          decimal.Decimal
	LargestWin       decimal.Decimal
	LargestLoss      decimal.Decimal
	ProfitFactor     decimal.Decimal
	Expectancy       decimal.Decimal
	AvgBarsHeld      decimal.Decimal
	TimeInMarketRatio decimal.Decimal

	TotalReturn      decimal.Decimal
	AnnualizedReturn decimal.Decimal
	Sharpe           decimal.Decimal
	Sortino          decimal.Decimal
	SortinoInfinite  bool
	Calmar           decimal.Decimal

	MaxDrawdownPct      decimal.Decimal
	MaxDrawdownAbs      decimal.Decimal
	MaxDrawdownDuration int // bars
}

// Calculate computes a Result from a trade list and equity curve.
// periodsPerYear annualizes returns; callers backtesting on a
// higher-timeframe-only series must pass the matching bars-per-year
// (spec.md §4.5: "callers supply bars_per_day when using higher-TF-only
// backtests").
func Calculate(trades []types.TradeRecord, equityCurve []types.EquityPoint, initialCash decimal.Decimal, periodsPerYear float64) Result {
	var r Result
	if len(trades) == 0 && len(equityCurve) == 0 {
		return r
	}

	r.TotalTrades = len(trades)
	var totalWins, totalLosses decimal.Decimal
	var barsHeldSum int
	for _, tr := range trades {
		barsHeldSum += tr.BarsHeld
		switch {
		case tr.PnL.GreaterThan(decimal.Zero):
			r.WinningTrades++
			totalWins = totalWins.Add(tr.PnL)
			if tr.PnL.GreaterThan(r.LargestWin) {
				r.LargestWin = tr.PnL
			}
		case tr.PnL.LessThan(decimal.Zero):
			r.LosingTrades++
			totalLosses = totalLosses.Add(tr.PnL.Abs())
			if tr.PnL.Abs().GreaterThan(r.LargestLoss) {
				r.LargestLoss = tr.PnL.Abs()
			}
		}
	}

	if r.TotalTrades > 0 {
		r.WinRate = decimal.NewFromInt(int64(r.WinningTrades)).Div(decimal.NewFromInt(int64(r.TotalTrades)))
		r.AvgBarsHeld = decimal.NewFromInt(int64(barsHeldSum)).Div(decimal.NewFromInt(int64(r.TotalTrades)))
	}
	if r.WinningTrades > 0 {
		r.AvgWin = totalWins.Div(decimal.NewFromInt(int64(r.WinningTrades)))
	}
	if r.LosingTrades > 0 {
		r.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(r.LosingTrades)))
	}

	switch {
	case totalLosses.IsZero() && totalWins.GreaterThan(decimal.Zero):
		r.ProfitFactor = decimal.NewFromFloat(ProfitFactorCapped)
	case totalLosses.IsZero():
		r.ProfitFactor = decimal.Zero
	default:
		r.ProfitFactor = totalWins.Div(totalLosses)
	}

	if r.TotalTrades > 0 {
		lossRate := decimal.NewFromInt(1).Sub(r.WinRate)
		r.Expectancy = r.WinRate.Mul(r.AvgWin).Sub(lossRate.Mul(r.AvgLoss))
	}

	if len(equityCurve) > 0 && !initialCash.IsZero() {
		final := equityCurve[len(equityCurve)-1].Equity
		r.TotalReturn = final.Sub(initialCash).Div(initialCash)
	}

	returns := periodReturns(equityCurve)
	meanRet, stdRet := mean(returns), stdDev(returns)

	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	r.AnnualizedReturn = decimal.NewFromFloat(meanRet * periodsPerYear)

	r.Sharpe = decimal.NewFromFloat(sharpe(meanRet, stdRet, periodsPerYear))

	sortino, infinite := sortino(returns, meanRet, periodsPerYear)
	r.SortinoInfinite = infinite
	if !infinite {
		r.Sortino = decimal.NewFromFloat(sortino)
	}

	maxDDAbs, maxDDPct, duration := maxDrawdown(equityCurve)
	r.MaxDrawdownAbs = maxDDAbs
	r.MaxDrawdownPct = maxDDPct
	r.MaxDrawdownDuration = duration

	if !r.MaxDrawdownPct.IsZero() {
		r.Calmar = r.AnnualizedReturn.Div(r.MaxDrawdownPct)
	}

	return r
}

func periodReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		out = append(out, ret)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func downsideDeviation(values []float64) float64 {
	var sumSq float64
	var n int
	for _, v := range values {
		if v < 0 {
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// sharpe implements spec.md §4.5's exact sentinel rules: zero stdev with
// positive excess returns a capped sentinel (±99.99); zero stdev and
// zero excess returns is 0.
func sharpe(meanRet, stdRet, periodsPerYear float64) float64 {
	if stdRet == 0 {
		switch {
		case meanRet > 0:
			return SharpeSentinelCap
		case meanRet < 0:
			return -SharpeSentinelCap
		default:
			return 0
		}
	}
	return (meanRet / stdRet) * math.Sqrt(periodsPerYear)
}

// sortino returns (value, isPositiveInfinity).
func sortino(returns []float64, meanRet, periodsPerYear float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	downside := downsideDeviation(returns)
	if downside == 0 {
		if meanRet > 0 {
			return 0, true
		}
		return 0, false
	}
	return (meanRet / downside) * math.Sqrt(periodsPerYear), false
}

func maxDrawdown(curve []types.EquityPoint) (abs, pct decimal.Decimal, durationBars int) {
	if len(curve) == 0 {
		return decimal.Zero, decimal.Zero, 0
	}
	peak := curve[0].Equity
	var maxAbs, maxPct decimal.Decimal
	var maxDuration, curDuration int
	peakIdx := 0

	for i, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
			peakIdx = i
			curDuration = 0
		} else {
			curDuration = i - peakIdx
		}
		if !peak.IsZero() {
			dd := peak.Sub(point.Equity)
			ddPct := dd.Div(peak)
			if dd.GreaterThan(maxAbs) {
				maxAbs = dd
			}
			if ddPct.GreaterThan(maxPct) {
				maxPct = ddPct
			}
		}
		if curDuration > maxDuration {
			maxDuration = curDuration
		}
	}
	return maxAbs, maxPct, maxDuration
}

// BarsPerYear returns the annualization factor for the given timeframe,
// following 252 trading days at 1440 bars/day for M1 (spec.md §4.5).
func BarsPerYear(tf types.Timeframe) float64 {
	const tradingDaysPerYear = 252
	barsPerDay := (24 * time.Hour) / tf.Duration()
	return float64(tradingDaysPerYear) * float64(barsPerDay)
}
