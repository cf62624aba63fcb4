// Package sweep runs the parallel, resumable combo grid (spec.md §4.7,
// §5, §9): the Cartesian product of bots x symbols x timeframes x
// (start,end) windows, executed one combo per isolated OS-process
// worker, with every completed combo written atomically to its own
// result file so a killed-and-restarted sweep can resume exactly where
// it left off.
//
// Grounded on the teacher's internal/workers/pool.go (bounded
// concurrency, per-task timeout, panic-safe task execution), adapted
// from its in-process goroutine-pool model to the specification's
// stronger OS-process isolation requirement (spec.md §5 "Parallel
// workers: processes, not threads... no mutable state crosses process
// boundaries"): RunWorker is the process-local unit of work a worker
// subprocess executes, and Runner supervises a bounded pool of
// self-reinvoked subprocesses rather than goroutines.
package sweep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Window is one (start, end) backtest interval in a sweep's Cartesian
// product.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SimParams is the flattened broker-simulator configuration a combo
// worker needs to reconstruct its own internal/broker.Simulator without
// sharing any state with the parent process.
type SimParams struct {
	Spread       decimal.Decimal `json:"spread"`
	Slippage     decimal.Decimal `json:"slippage"`
	PerTradeFlat decimal.Decimal `json:"perTradeFlat"`
	PerLot       decimal.Decimal `json:"perLot"`
	Percentage   decimal.Decimal `json:"percentage"`
	MinSize      decimal.Decimal `json:"minSize"`
	MaxSize      decimal.Decimal `json:"maxSize"`
	SizeStep     decimal.Decimal `json:"sizeStep"`
}

// RiskParams is the flattened risk-engine configuration for one combo.
type RiskParams struct {
	MaxPositionSize        decimal.Decimal `json:"maxPositionSize"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`
	MaxDailyLossPct        decimal.Decimal `json:"maxDailyLossPct"`
	MaxTradesPerHour       int             `json:"maxTradesPerHour"`
	PerSymbolExposureCap   decimal.Decimal `json:"perSymbolExposureCap"`
	RequireSL              bool            `json:"requireSl"`
}

// Request describes one sweep's full Cartesian product and shared
// run parameters. A Request's hash deterministically identifies its
// configuration (spec.md §4.7).
type Request struct {
	Symbols      []string         `json:"symbols"`
	Bots         []string         `json:"bots"`
	Timeframes   []types.Timeframe `json:"timeframes"`
	Windows      []Window         `json:"windows"`
	BarStorePath string           `json:"barStorePath"`
	InitialCash  decimal.Decimal  `json:"initialCash"`
	Warmup       int              `json:"warmup"`
	Sim          SimParams        `json:"sim"`
	Risk         RiskParams       `json:"risk"`
	Shuffle      bool             `json:"shuffle"`
	MaxWorkers   int              `json:"maxWorkers"`
	ComboTimeout time.Duration    `json:"comboTimeout"`
}

// Hash deterministically identifies this sweep configuration
// (spec.md §4.7: "A request hash deterministically identifies a sweep
// configuration").
func (r Request) Hash() string {
	// Marshaling a struct with exported fields in declaration order is
	// stable across calls within one Go version, which is all the
	// determinism this needs (same process, same binary).
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComboSpec is every parameter a worker subprocess needs to run one
// combo's backtest in complete isolation: it never reads from the
// parent process's memory, only from this spec file and the bar store
// on disk (spec.md §9 "each worker reopens its own store handle").
type ComboSpec struct {
	ComboID      string          `json:"comboId"`
	Symbol       string          `json:"symbol"`
	Bot          string          `json:"bot"`
	Timeframe    types.Timeframe `json:"timeframe"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	BarStorePath string          `json:"barStorePath"`
	InitialCash  decimal.Decimal `json:"initialCash"`
	Warmup       int             `json:"warmup"`
	Sim          SimParams       `json:"sim"`
	Risk         RiskParams      `json:"risk"`
}

// ID derives a stable 16-hex-char combo id from its defining parameters
// (spec.md §4.7: "Each combo has a stable 16-hex-char id derived from
// its parameters").
func (c ComboSpec) ID() string {
	key := fmt.Sprintf("%s|%s|%s|%d|%d", c.Symbol, c.Bot, c.Timeframe, c.Start.UTC().UnixNano(), c.End.UTC().UnixNano())
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// GenerateCombos expands req's Cartesian product into ComboSpecs, each
// stamped with its own stable ID.
func GenerateCombos(req Request) []ComboSpec {
	var combos []ComboSpec
	for _, window := range req.Windows {
		for _, bot := range req.Bots {
			for _, symbol := range req.Symbols {
				for _, tf := range req.Timeframes {
					spec := ComboSpec{
						Symbol: symbol, Bot: bot, Timeframe: tf,
						Start: window.Start, End: window.End,
						BarStorePath: req.BarStorePath, InitialCash: req.InitialCash, Warmup: req.Warmup,
						Sim: req.Sim, Risk: req.Risk,
					}
					spec.ComboID = spec.ID()
					combos = append(combos, spec)
				}
			}
		}
	}
	return combos
}

// ComboResult is one combo's outcome, written atomically to
// {sweep_dir}/combos/{combo_id}.json.
type ComboResult struct {
	ComboID     string          `json:"comboId"`
	Spec        ComboSpec       `json:"spec"`
	Sharpe      float64         `json:"sharpe"`
	Sortino     float64         `json:"sortino"`
	WinRate     float64         `json:"winRate"`
	ProfitFactor float64        `json:"profitFactor"`
	Calmar      float64         `json:"calmar"`
	ReturnPct   float64         `json:"returnPct"`
	MaxDrawdownPct float64      `json:"maxDrawdownPct"`
	Trades      int             `json:"trades"`
	Failed      bool            `json:"failed"`
	TimedOut    bool            `json:"timedOut"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}
