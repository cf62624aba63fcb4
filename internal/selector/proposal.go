package selector

import (
	"time"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/walkforward"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// BuildProposals converts selected combos into allowlist proposals,
// pulling the recorded metrics from the combo's best out-of-sample
// scorecard row (spec.md §3 "Allowlist Entry"). Proposals are never
// auto-applied; callers persist them via allowlist.Propose and an
// operator later approves or rejects (spec.md §7).
func BuildProposals(result Result, scorecard []walkforward.ScorecardRow, runID string, now time.Time) []allowlist.Proposal {
	best := bestOOSRow(scorecard)

	proposals := make([]allowlist.Proposal, 0, len(result.Selected))
	for _, sel := range result.Selected {
		entry := types.AllowlistEntry{
			Symbol: sel.Combo.Symbol, Bot: sel.Combo.Bot, Timeframe: sel.Combo.Timeframe,
			SourceRunID: runID, ValidatedAt: now, Enabled: false,
		}
		if row, ok := best[sel.Combo]; ok {
			entry.Sharpe = row.Result.Sharpe
			entry.WinRate = row.Result.WinRate
			entry.MaxDrawdownPct = row.Result.MaxDrawdownPct
			entry.Trades = row.Result.Trades
		}
		proposals = append(proposals, allowlist.Proposal{
			Entry: entry, ProposedAt: now, Rationale: sel.Rationale,
		})
	}
	return proposals
}

// bestOOSRow picks, per combo, the highest-Sharpe out-of-sample
// scorecard row across all folds.
func bestOOSRow(rows []walkforward.ScorecardRow) map[walkforward.ComboKey]walkforward.ScorecardRow {
	best := map[walkforward.ComboKey]walkforward.ScorecardRow{}
	for _, row := range rows {
		if row.Phase != "OOS" {
			continue
		}
		if existing, ok := best[row.Combo]; !ok || row.Result.Sharpe > existing.Result.Sharpe {
			best[row.Combo] = row
		}
	}
	return best
}
