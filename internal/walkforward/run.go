package walkforward

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/sweep"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RankMetric selects which combo statistic ranks in-sample combos
// before the out-of-sample rerun (spec.md §4.7).
type RankMetric string

const (
	RankSharpe       RankMetric = "sharpe"
	RankSortino      RankMetric = "sortino"
	RankWinRate      RankMetric = "win_rate"
	RankProfitFactor RankMetric = "profit_factor"
	RankCalmar       RankMetric = "calmar"
	RankComposite    RankMetric = "composite"
)

func rankValue(r sweep.ComboResult, metric RankMetric) float64 {
	switch metric {
	case RankSortino:
		return r.Sortino
	case RankWinRate:
		return r.WinRate
	case RankProfitFactor:
		return r.ProfitFactor
	case RankCalmar:
		return r.Calmar
	case RankComposite:
		return r.Sharpe + r.Sortino + r.ProfitFactor/10 + r.Calmar
	default:
		return r.Sharpe
	}
}

// Config describes one walk-forward run: the overall window, fold
// geometry, and the fixed sweep parameters shared by every fold's IS
// and OOS sweeps.
type Config struct {
	Start, End             time.Time
	ISDays, OOSDays, Step  int
	Mode                   Mode
	RankBy                 RankMetric
	TopN                   int
	Symbols                []string
	Bots                   []string
	Timeframes             []types.Timeframe
	BarStorePath           string
	InitialCash            decimal.Decimal
	Warmup                 int
	Sim                    sweep.SimParams
	Risk                   sweep.RiskParams
	MaxWorkers             int
	ComboTimeout           time.Duration
	SweepsBaseDir          string
}

// ComboKey identifies a combo across folds independent of any one
// fold's window, so OOS performance can be aggregated across folds.
type ComboKey struct {
	Symbol    string
	Bot       string
	Timeframe types.Timeframe
}

func (k ComboKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Symbol, k.Bot, k.Timeframe)
}

func keyOf(spec sweep.ComboSpec) ComboKey {
	return ComboKey{Symbol: spec.Symbol, Bot: spec.Bot, Timeframe: spec.Timeframe}
}

// ScorecardRow is one row of the per-fold scorecard: one row per
// window x combo x {IS,OOS} (spec.md §4.7).
type ScorecardRow struct {
	FoldID    int
	Phase     string // "IS" or "OOS"
	Combo     ComboKey
	Result    sweep.ComboResult
}

// Recommendation is one combo's cross-fold aggregate, ranked by
// consistency_score (spec.md §4.6 Combo Performance, §4.7).
type Recommendation struct {
	Combo               ComboKey
	Folds               int
	MeanOOSSharpe       float64
	StdDevOOSSharpe     float64
	PercentProfitable   float64
	ConsistencyScore    float64
	InsufficientFolds   bool
}

// Result is the complete output of a walk-forward run.
type Result struct {
	Folds           []Fold
	Scorecard       []ScorecardRow
	Recommendations []Recommendation
}

// Run executes the full walk-forward procedure: generate folds, sweep
// each fold's in-sample window, rank and take the top N combos, rerun
// those on the out-of-sample window, and aggregate OOS performance per
// combo across folds (spec.md §4.7).
func Run(ctx context.Context, logger *zap.Logger, runner *sweep.Runner, cfg Config) (*Result, error) {
	folds := GenerateFolds(cfg.Start, cfg.End, cfg.ISDays, cfg.OOSDays, cfg.Step, cfg.Mode)
	if len(folds) == 0 {
		return nil, fmt.Errorf("walkforward: no folds generated for window [%s, %s)", cfg.Start, cfg.End)
	}

	result := &Result{Folds: folds}
	oosByCombo := make(map[ComboKey][]sweep.ComboResult)

	for _, fold := range folds {
		isReq := cfg.buildRequest(Window{Start: fold.IS.Start, End: fold.IS.End})
		isResults, err := runSweepAndCollect(ctx, runner, cfg.SweepsBaseDir, isReq)
		if err != nil {
			return nil, fmt.Errorf("walkforward: fold %d in-sample sweep: %w", fold.ID, err)
		}
		for _, r := range isResults {
			result.Scorecard = append(result.Scorecard, ScorecardRow{FoldID: fold.ID, Phase: "IS", Combo: keyOf(r.Spec), Result: r})
		}

		top := topN(isResults, cfg.RankBy, cfg.TopN)
		if len(top) == 0 {
			logger.Warn("walkforward: fold produced no viable in-sample combos", zap.Int("fold", fold.ID))
			continue
		}

		for _, spec := range top {
			oosReq := cfg.buildRequestForOne(spec, Window{Start: fold.OOS.Start, End: fold.OOS.End})
			oosResults, err := runSweepAndCollect(ctx, runner, cfg.SweepsBaseDir, oosReq)
			if err != nil {
				return nil, fmt.Errorf("walkforward: fold %d out-of-sample sweep: %w", fold.ID, err)
			}
			for _, r := range oosResults {
				key := keyOf(r.Spec)
				result.Scorecard = append(result.Scorecard, ScorecardRow{FoldID: fold.ID, Phase: "OOS", Combo: key, Result: r})
				oosByCombo[key] = append(oosByCombo[key], r)
			}
		}
	}

	result.Recommendations = aggregate(oosByCombo)
	return result, nil
}

// buildRequest constructs the full cartesian sweep request for window.
func (cfg Config) buildRequest(window Window) sweep.Request {
	return sweep.Request{
		Symbols: cfg.Symbols, Bots: cfg.Bots, Timeframes: cfg.Timeframes,
		Windows:      []sweep.Window{{Start: window.Start, End: window.End}},
		BarStorePath: cfg.BarStorePath, InitialCash: cfg.InitialCash, Warmup: cfg.Warmup,
		Sim: cfg.Sim, Risk: cfg.Risk, MaxWorkers: cfg.MaxWorkers, ComboTimeout: cfg.ComboTimeout,
	}
}

// buildRequestForOne narrows a sweep request to a single surviving
// combo's (symbol, bot, timeframe), run against a new window.
func (cfg Config) buildRequestForOne(spec sweep.ComboSpec, window Window) sweep.Request {
	return sweep.Request{
		Symbols: []string{spec.Symbol}, Bots: []string{spec.Bot}, Timeframes: []types.Timeframe{spec.Timeframe},
		Windows:      []sweep.Window{{Start: window.Start, End: window.End}},
		BarStorePath: cfg.BarStorePath, InitialCash: cfg.InitialCash, Warmup: cfg.Warmup,
		Sim: cfg.Sim, Risk: cfg.Risk, MaxWorkers: cfg.MaxWorkers, ComboTimeout: cfg.ComboTimeout,
	}
}

func runSweepAndCollect(ctx context.Context, runner *sweep.Runner, sweepsBaseDir string, req sweep.Request) ([]sweep.ComboResult, error) {
	if _, err := runner.Run(ctx, sweepsBaseDir, req, true); err != nil {
		return nil, err
	}
	combos := sweep.GenerateCombos(req)
	combosDir := filepath.Join(sweepsBaseDir, req.Hash(), "combos")
	results := make([]sweep.ComboResult, 0, len(combos))
	for _, c := range combos {
		r, err := sweep.ReadResult(filepath.Join(combosDir, c.ComboID+".json"))
		if err != nil {
			continue // combo failed to produce a result; excluded from ranking
		}
		results = append(results, r)
	}
	return results, nil
}

// topN ranks results by metric descending, excluding failed/timed-out
// combos, and returns the top n specs. Results are not deduplicated; a
// single-window sweep yields each combo identity only once.
func topN(results []sweep.ComboResult, metric RankMetric, n int) []sweep.ComboSpec {
	viable := make([]sweep.ComboResult, 0, len(results))
	for _, r := range results {
		if !r.Failed && !r.TimedOut {
			viable = append(viable, r)
		}
	}
	sort.Slice(viable, func(i, j int) bool {
		return rankValue(viable[i], metric) > rankValue(viable[j], metric)
	})
	if n <= 0 || n > len(viable) {
		n = len(viable)
	}
	specs := make([]sweep.ComboSpec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, viable[i].Spec)
	}
	return specs
}

// aggregate computes each combo's cross-fold consistency_score
// (spec.md §4.6): mean(Sharpe)/max(stddev(Sharpe), 0.1) over OOS
// results. Combos with fewer than 2 folds are flagged
// InsufficientFolds rather than silently scored (§9 resolves the
// source's N=1/N>=2 ambiguity as a hard N>=2 requirement).
func aggregate(byCombo map[ComboKey][]sweep.ComboResult) []Recommendation {
	recs := make([]Recommendation, 0, len(byCombo))
	for key, results := range byCombo {
		var sharpes []float64
		var profitable int
		for _, r := range results {
			sharpes = append(sharpes, r.Sharpe)
			if r.ReturnPct > 0 {
				profitable++
			}
		}
		mean := meanOf(sharpes)
		std := stdDevOf(sharpes, mean)
		rec := Recommendation{
			Combo: key, Folds: len(results), MeanOOSSharpe: mean, StdDevOOSSharpe: std,
			PercentProfitable: float64(profitable) / float64(len(results)),
		}
		if len(results) < 2 {
			rec.InsufficientFolds = true
		} else {
			rec.ConsistencyScore = mean / math.Max(std, 0.1)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].InsufficientFolds != recs[j].InsufficientFolds {
			return !recs[i].InsufficientFolds // scored combos rank above insufficient-fold ones
		}
		return recs[i].ConsistencyScore > recs[j].ConsistencyScore
	})
	return recs
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}
