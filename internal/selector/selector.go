// Package selector turns a walk-forward run's recommendations into
// allowlist proposals: filter by minimum-viability thresholds, cap
// concentration per symbol/bot for diversity, and attach a rationale
// string explaining why each combo was (or wasn't) selected
// (spec.md §3, §4.6 "Combo selector: filter + diversity + rationale").
//
// Grounded on the teacher's internal/backtester/viability.go
// (ViabilityThresholds, per-metric issue checks, a scored/graded
// report), narrowed from the teacher's single-result, many-metric
// scorecard to the walk-forward recommendation set's three available
// cross-fold statistics, and extended with the specification's
// diversity cap the teacher has no equivalent for.
package selector

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/forex-engine/internal/walkforward"
)

// Thresholds gates which walk-forward recommendations are eligible for
// an allowlist proposal.
type Thresholds struct {
	MinConsistencyScore float64
	MinMeanOOSSharpe    float64
	MinPercentProfitable float64
}

// DefaultThresholds mirrors the teacher's DefaultViabilityThresholds
// register of "conservative but not restrictive" defaults, adapted to
// the three statistics a walk-forward recommendation carries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinConsistencyScore:  0.5,
		MinMeanOOSSharpe:     0.3,
		MinPercentProfitable: 0.5,
	}
}

// DiversityLimits bounds how many selected combos may share a symbol
// or a bot, so one standout market or strategy can't crowd out the
// allowlist.
type DiversityLimits struct {
	MaxPerSymbol int
	MaxPerBot    int
}

// DefaultDiversityLimits allows at most 2 combos to share a symbol or
// a bot.
func DefaultDiversityLimits() DiversityLimits {
	return DiversityLimits{MaxPerSymbol: 2, MaxPerBot: 2}
}

// Selection is one chosen combo with the rationale for its inclusion.
type Selection struct {
	Combo     walkforward.ComboKey
	Rec       walkforward.Recommendation
	Rationale string
}

// Rejection records a recommendation that failed a filter or
// diversity cap, for transparency in the proposal output.
type Rejection struct {
	Combo  walkforward.ComboKey
	Reason string
}

// Result is the full selection outcome: the combos chosen and the
// reasons the rest were not.
type Result struct {
	Selected []Selection
	Rejected []Rejection
}

// Select filters and ranks recs (already sorted by consistency_score
// from walkforward.Run), enforcing thresholds and diversity caps, and
// attaches a rationale to every decision.
func Select(recs []walkforward.Recommendation, thresholds Thresholds, diversity DiversityLimits) Result {
	sorted := make([]walkforward.Recommendation, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ConsistencyScore > sorted[j].ConsistencyScore
	})

	var result Result
	perSymbol := map[string]int{}
	perBot := map[string]int{}

	for _, rec := range sorted {
		if reason, ok := failsThresholds(rec, thresholds); !ok {
			result.Rejected = append(result.Rejected, Rejection{Combo: rec.Combo, Reason: reason})
			continue
		}
		if perSymbol[rec.Combo.Symbol] >= diversity.MaxPerSymbol {
			result.Rejected = append(result.Rejected, Rejection{
				Combo: rec.Combo, Reason: fmt.Sprintf("symbol %s already has %d selected combos", rec.Combo.Symbol, diversity.MaxPerSymbol),
			})
			continue
		}
		if perBot[rec.Combo.Bot] >= diversity.MaxPerBot {
			result.Rejected = append(result.Rejected, Rejection{
				Combo: rec.Combo, Reason: fmt.Sprintf("bot %s already has %d selected combos", rec.Combo.Bot, diversity.MaxPerBot),
			})
			continue
		}

		perSymbol[rec.Combo.Symbol]++
		perBot[rec.Combo.Bot]++
		result.Selected = append(result.Selected, Selection{
			Combo: rec.Combo, Rec: rec, Rationale: rationale(rec),
		})
	}
	return result
}

func failsThresholds(rec walkforward.Recommendation, t Thresholds) (string, bool) {
	if rec.InsufficientFolds {
		return fmt.Sprintf("%d fold(s): fewer than the required 2 to score consistency", rec.Folds), false
	}
	if rec.ConsistencyScore < t.MinConsistencyScore {
		return fmt.Sprintf("consistency_score %.3f below minimum %.3f", rec.ConsistencyScore, t.MinConsistencyScore), false
	}
	if rec.MeanOOSSharpe < t.MinMeanOOSSharpe {
		return fmt.Sprintf("mean OOS Sharpe %.3f below minimum %.3f", rec.MeanOOSSharpe, t.MinMeanOOSSharpe), false
	}
	if rec.PercentProfitable < t.MinPercentProfitable {
		return fmt.Sprintf("%.0f%% of folds profitable, below minimum %.0f%%", rec.PercentProfitable*100, t.MinPercentProfitable*100), false
	}
	return "", true
}

func rationale(rec walkforward.Recommendation) string {
	return fmt.Sprintf(
		"consistency_score=%.3f over %d fold(s), mean OOS Sharpe=%.3f (stddev=%.3f), %.0f%% of folds profitable",
		rec.ConsistencyScore, rec.Folds, rec.MeanOOSSharpe, rec.StdDevOOSSharpe, rec.PercentProfitable*100,
	)
}
