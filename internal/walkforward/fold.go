// Package walkforward generates in-sample/out-of-sample folds and runs
// a sweep over each, ranking combos by in-sample performance and
// re-testing the survivors out-of-sample (spec.md §4.7).
//
// Grounded on the teacher's internal/backtester/walkforward.go
// (WalkForwardAnalyzer, generateWindows, calculateRobustness), adapted
// from the teacher's fixed 80/20 single-duration window and single
// "robustness" ratio to the specification's separately-sized IS/OOS
// windows, rolling-vs-anchored modes, per-fold top-N rerun via
// internal/sweep, and cross-fold consistency_score aggregation.
package walkforward

import "time"

// Mode selects how the in-sample start advances between folds.
type Mode string

const (
	ModeRolling  Mode = "rolling"
	ModeAnchored Mode = "anchored"
)

// Window is a half-open [Start, End) interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Fold is one in-sample/out-of-sample pair. The OOS interval always
// immediately follows the IS interval with no overlap (spec.md §4.6
// Walk-Forward Fold invariant).
type Fold struct {
	ID  int
	IS  Window
	OOS Window
}

// GenerateFolds builds folds over [start, end) per spec.md §4.7:
//
//	Rolling:  IS = [cur, cur+isDays);           OOS = [IS.end, IS.end+oosDays)
//	Anchored: IS = [start, cur+isDays);         OOS = [IS.end, IS.end+oosDays)
//
// cur advances by stepDays each fold. Generation stops as soon as the
// next fold's OOS end would exceed end (scenario 6: folds 0-3 are
// generated, and candidate fold 4, whose OOS end exceeds the overall
// end, is not).
func GenerateFolds(start, end time.Time, isDays, oosDays, stepDays int, mode Mode) []Fold {
	if isDays <= 0 || oosDays <= 0 || stepDays <= 0 || !end.After(start) {
		return nil
	}
	isDuration := time.Duration(isDays) * 24 * time.Hour
	oosDuration := time.Duration(oosDays) * 24 * time.Hour
	stepDuration := time.Duration(stepDays) * 24 * time.Hour

	const maxIterations = 10000

	var folds []Fold
	cur := start
	for i := 0; i < maxIterations; i++ {
		isStart := cur
		if mode == ModeAnchored {
			isStart = start
		}
		isEnd := cur.Add(isDuration)
		oosEnd := isEnd.Add(oosDuration)
		if oosEnd.After(end) {
			break
		}

		folds = append(folds, Fold{
			ID:  len(folds),
			IS:  Window{Start: isStart, End: isEnd},
			OOS: Window{Start: isEnd, End: oosEnd},
		})
		cur = cur.Add(stepDuration)
	}
	return folds
}
