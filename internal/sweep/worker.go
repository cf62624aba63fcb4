package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/backtest"
	"github.com/atlas-desktop/forex-engine/internal/barstore"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RunWorker is the process-local unit of work a combo worker executes:
// it opens its own bar store handle (spec.md §9: "each worker reopens
// its own store handle; no mutable state crosses process boundaries"),
// runs one backtest, and returns the result; it does not write it, the
// subprocess entrypoint persists it with WriteResult. This is the
// function a subprocess invokes via the self-reinvocation described in
// DESIGN.md; it never touches any state from the parent process beyond
// what specPath contains.
func RunWorker(ctx context.Context, logger *zap.Logger, specPath string) (ComboResult, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return ComboResult{}, fmt.Errorf("sweep: read spec %s: %w", specPath, err)
	}
	var spec ComboSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return ComboResult{}, fmt.Errorf("sweep: decode spec %s: %w", specPath, err)
	}
	return runCombo(ctx, logger, spec), nil
}

// runCombo executes exactly one combo's backtest in-process. Runner
// calls this directly in in-process mode, and RunWorker calls it from
// the subprocess entrypoint in process-isolated mode — the isolation
// boundary is which OS process invokes this function, not its logic.
func runCombo(ctx context.Context, logger *zap.Logger, spec ComboSpec) ComboResult {
	result := ComboResult{ComboID: spec.ComboID, Spec: spec}

	store, err := barstore.Open(logger, spec.BarStorePath)
	if err != nil {
		result.Failed = true
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC()
		return result
	}
	defer store.Close()

	sim := broker.NewSimulator(logger, broker.SimConfig{
		SpreadBySymbol:   map[string]decimal.Decimal{spec.Symbol: spec.Sim.Spread},
		SlippageBySymbol: map[string]decimal.Decimal{spec.Symbol: spec.Sim.Slippage},
		Fees: broker.FeeSchedule{
			PerTradeFlat: spec.Sim.PerTradeFlat, PerLot: spec.Sim.PerLot, Percentage: spec.Sim.Percentage,
		},
		DefaultRules: broker.DealingRules{MinSize: spec.Sim.MinSize, MaxSize: spec.Sim.MaxSize, SizeStep: spec.Sim.SizeStep},
	})

	riskEngine := risk.New(logger, risk.Limits{
		MaxPositionSize: spec.Risk.MaxPositionSize, MaxConcurrentPositions: spec.Risk.MaxConcurrentPositions,
		MaxDailyLossPct: spec.Risk.MaxDailyLossPct, MaxTradesPerHour: spec.Risk.MaxTradesPerHour,
		PerSymbolExposureCap: spec.Risk.PerSymbolExposureCap, RequireSL: spec.Risk.RequireSL,
		DefaultRules: risk.DealingRules{MinSize: spec.Sim.MinSize, MaxSize: spec.Sim.MaxSize, SizeStep: spec.Sim.SizeStep},
	})

	registry := strategy.NewRegistry()
	engine := backtest.New(logger, store, registry, sim, riskEngine)

	cfg := backtest.Config{
		RunID: spec.ComboID, Symbols: []string{spec.Symbol}, Timeframe: spec.Timeframe,
		Start: spec.Start, End: spec.End, Bots: []string{spec.Bot},
		InitialCash: spec.InitialCash, Warmup: spec.Warmup,
		Sizing: backtest.FixedSizing(spec.Sim.MinSize),
	}

	btResult, err := engine.Run(ctx, cfg, nil)
	result.CompletedAt = time.Now().UTC()
	if err != nil {
		if ctx.Err() != nil {
			result.TimedOut = true
			result.Error = "combo timed out"
		} else {
			result.Failed = true
			result.Error = err.Error()
		}
		return result
	}

	m := btResult.MetricsCombined
	result.Sharpe, _ = m.Sharpe.Float64()
	result.Sortino, _ = m.Sortino.Float64()
	result.WinRate, _ = m.WinRate.Float64()
	result.ProfitFactor, _ = m.ProfitFactor.Float64()
	result.Calmar, _ = m.Calmar.Float64()
	result.ReturnPct, _ = m.TotalReturn.Float64()
	result.MaxDrawdownPct, _ = m.MaxDrawdownPct.Float64()
	result.Trades = m.TotalTrades
	return result
}

// WriteResult atomically persists a combo result to
// {sweep_dir}/combos/{combo_id}.json (temp file + rename, spec.md §4.7).
func WriteResult(combosDir string, result ComboResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sweep: marshal result %s: %w", result.ComboID, err)
	}
	path := combosDir + "/" + result.ComboID + ".json"
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// ReadResult deserializes a combo result file. A combo file present on
// disk is treated as done; this is the sole function that answers "is
// this combo already done" for resume (spec.md §8: "sweep combo files
// present: their contents successfully deserialize into a ComboResult").
func ReadResult(path string) (ComboResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ComboResult{}, err
	}
	var result ComboResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ComboResult{}, fmt.Errorf("sweep: decode result %s: %w", path, err)
	}
	return result, nil
}
