// Package backtest implements the deterministic bar-driven backtesting
// engine (spec.md §4.6): for each symbol, replay its bar history
// sequentially through the strategy set, routing signals through the
// sizing routine, the risk engine, and the broker simulator, recording
// equity and trades into the portfolio, and emitting run artefacts.
//
// Grounded on the teacher's internal/backtester/engine.go Run loop
// (progress-channel idiom, run-id/config/duration result shape),
// restructured from the teacher's priority-queue event replay into the
// specification's direct iterate-symbols-then-bars-then-bots loop.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/metrics"
	"github.com/atlas-desktop/forex-engine/internal/portfolio"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EngineVersion is recorded in every manifest for artefact provenance.
const EngineVersion = "1.0.0"

// BarStore is the narrow slice of the historical bar store the engine
// needs (spec.md §6's read_bars, satisfied structurally by
// internal/barstore.Store).
type BarStore interface {
	ReadBars(ctx context.Context, symbol string, tf types.Timeframe, start, end *time.Time, limit int) ([]types.Bar, error)
}

// SizingFunc computes the requested order size for a new entry, given
// current equity and the symbol being entered. The engine never
// hardcodes a sizing model; callers supply one (fixed lot, percent-
// risk, etc.) matching spec.md §4.6 step 4's "size via sizing routine".
type SizingFunc func(equity decimal.Decimal, symbol string) decimal.Decimal

// FixedSizing returns a SizingFunc that always requests the same size,
// the simplest sizing routine and a reasonable default for fixtures.
func FixedSizing(size decimal.Decimal) SizingFunc {
	return func(decimal.Decimal, string) decimal.Decimal { return size }
}

// Config is one backtest run's configuration (immutable within the run,
// per spec.md §3's ExecutionConfig pattern).
type Config struct {
	RunID       string
	Symbols     []string
	Timeframe   types.Timeframe
	Start       time.Time
	End         time.Time
	Bots        []string
	InitialCash decimal.Decimal
	Warmup      int
	Sizing      SizingFunc
}

// ProgressFunc receives stage/done/total/message tuples as the engine
// advances (spec.md §4.6).
type ProgressFunc func(stage string, done, total int, message string)

// OrderRecord is one routed order (fill or rejection) for the orders
// artefact.
type OrderRecord struct {
	Timestamp time.Time
	Symbol    string
	Bot       string
	Side      string
	Requested decimal.Decimal
	Filled    decimal.Decimal
	Price     decimal.Decimal
	Fees      decimal.Decimal
	Accepted  bool
	Reason    string
}

// Result is the full output of one backtest run.
type Result struct {
	RunID           string
	Config          Config
	EngineVersion   string
	EquityCurve     []types.EquityPoint
	Trades          []types.TradeRecord
	Orders          []OrderRecord
	MetricsByBot    map[string]metrics.Result
	MetricsCombined metrics.Result
	Warnings        []string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Engine is the bar-driven backtest engine. Each Run constructs its own
// portfolio, but the simulator and risk engine passed to New are shared
// by every Run: the simulator's accumulated warnings are copied into each
// later Result, and the risk engine's trades-per-hour window keeps the
// trades recorded by earlier runs.
type Engine struct {
	logger     *zap.Logger
	store      BarStore
	registry   *strategy.Registry
	simulator  *broker.Simulator
	riskEngine *risk.Engine
}

// New builds a backtest engine from its leaf dependencies (composition
// root style, per spec.md §9: construct leaves first, pass references
// in, no back-pointers).
func New(logger *zap.Logger, store BarStore, registry *strategy.Registry, simulator *broker.Simulator, riskEngine *risk.Engine) *Engine {
	return &Engine{logger: logger, store: store, registry: registry, simulator: simulator, riskEngine: riskEngine}
}

// Run executes cfg to completion. Bars are loaded per symbol and
// replayed sequentially (spec.md §4.6: "For each requested symbol
// (sequential)"); the same (config, bars) always yields byte-identical
// artefacts (spec.md §8 scenario 5) because there is no randomness in
// the core loop.
func (e *Engine) Run(ctx context.Context, cfg Config, progress ProgressFunc) (*Result, error) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Sizing == nil {
		cfg.Sizing = FixedSizing(decimal.NewFromInt(1))
	}

	port := portfolio.New(e.logger, cfg.InitialCash)
	result := &Result{
		RunID: cfg.RunID, Config: cfg, EngineVersion: EngineVersion,
		MetricsByBot: make(map[string]metrics.Result), StartedAt: time.Now().UTC(),
	}

	bots := make(map[string]strategy.Strategy, len(cfg.Bots))
	for _, name := range cfg.Bots {
		s, err := e.registry.Create(name)
		if err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		bots[name] = s
	}

	tradesByBot := make(map[string][]types.TradeRecord)

	totalSymbols := len(cfg.Symbols)
	for symbolIdx, symbol := range cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progress, "load_bars", symbolIdx, totalSymbols, fmt.Sprintf("loading %s", symbol))

		bars, err := e.store.ReadBars(ctx, symbol, cfg.Timeframe, &cfg.Start, &cfg.End, 0)
		if err != nil {
			return nil, fmt.Errorf("backtest: load bars for %s: %w", symbol, err)
		}
		if err := checkMonotone(bars); err != nil {
			return nil, fmt.Errorf("backtest: %s: %w", symbol, err)
		}
		if len(bars) < cfg.Warmup {
			return nil, fmt.Errorf("backtest: %s has %d bars, fewer than warmup %d", symbol, len(bars), cfg.Warmup)
		}

		report(progress, "replay", symbolIdx, totalSymbols, fmt.Sprintf("replaying %s (%d bars)", symbol, len(bars)))
		for i := cfg.Warmup; i < len(bars); i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			bar := bars[i]
			prices := map[string]decimal.Decimal{symbol: bar.Close}

			port.UpdatePrices(prices)
			exits := port.CheckExits(prices, bar.Timestamp, e.feeFunc(symbol))
			for _, tr := range exits {
				tradesByBot[tr.Bot] = append(tradesByBot[tr.Bot], tr)
			}
			port.IncrementBarsHeld()

			window := bars[:i+1] // strategies never see beyond the current bar (no look-ahead)
			for _, botName := range sortedKeys(bots) {
				e.evaluateBot(ctx, cfg, port, bots[botName], botName, symbol, window, bar, result, tradesByBot)
			}

			result.EquityCurve = append(result.EquityCurve, port.RecordEquityPoint(bar.Timestamp))
		}
	}

	for _, bot := range cfg.Bots {
		bps := metrics.BarsPerYear(cfg.Timeframe)
		result.MetricsByBot[bot] = metrics.Calculate(tradesByBot[bot], result.EquityCurve, cfg.InitialCash, bps)
	}
	result.Trades = port.Trades()
	result.MetricsCombined = metrics.Calculate(result.Trades, result.EquityCurve, cfg.InitialCash, metrics.BarsPerYear(cfg.Timeframe))
	result.Warnings = append(result.Warnings, e.simulator.Warnings()...)
	result.CompletedAt = time.Now().UTC()
	report(progress, "done", totalSymbols, totalSymbols, "backtest complete")

	return result, nil
}

// evaluateBot runs one strategy against the current bar window and
// routes the resulting signal per spec.md §4.6 step 4.
func (e *Engine) evaluateBot(ctx context.Context, cfg Config, port *portfolio.Portfolio, s strategy.Strategy, botName, symbol string, window []types.Bar, bar types.Bar, result *Result, tradesByBot map[string][]types.TradeRecord) {
	pos, hasPos := port.Get(symbol, botName)
	hint := types.PositionHint{Present: hasPos}
	if hasPos {
		hint.Side = pos.Side
	}

	sig, err := s.Evaluate(window, hint, strategy.Context{Symbol: symbol, Timeframe: cfg.Timeframe, BotName: botName})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s/%s: strategy error: %v", symbol, botName, err))
		return
	}

	if sig.Direction == types.DirectionHold {
		return
	}

	if hasPos {
		opposite := (pos.Side == types.PositionSideLong && sig.Direction == types.DirectionSell) ||
			(pos.Side == types.PositionSideShort && sig.Direction == types.DirectionBuy)
		if opposite {
			side := broker.SideCloseLong
			if pos.Side == types.PositionSideShort {
				side = broker.SideCloseShort
			}
			fill := e.simulator.Fill(symbol, side, pos.Size, bar.Close, bar.Timestamp)
			result.Orders = append(result.Orders, orderRecord(bar.Timestamp, symbol, botName, string(side), pos.Size, fill))
			if fill.Accepted {
				tr, err := port.Close(symbol, botName, fill.Price, bar.Timestamp, portfolio.ExitReasonSignal, e.feeFunc(symbol))
				if err == nil {
					tradesByBot[botName] = append(tradesByBot[botName], tr)
				}
			}
		}
		return
	}

	// No open position: entry signal.
	side := broker.SideBuy
	posSide := types.PositionSideLong
	if sig.Direction == types.DirectionSell {
		side = broker.SideSell
		posSide = types.PositionSideShort
	}

	requested := cfg.Sizing(port.Equity(), symbol)
	if e.riskEngine != nil {
		exposure := risk.ExposureInput{
			ExistingNotional: port.ExposureNotional(symbol, bar.Close),
			MidPrice:         &bar.Close,
		}
		intent := types.OrderIntent{
			IntentID: uuid.New().String(), Symbol: symbol, Side: types.Side(side),
			Size: requested, StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit,
			OrderType: types.OrderTypeMarket, Bot: botName, Reasons: sig.Reasons,
			CreatedAt: bar.Timestamp,
		}
		decision, err := e.riskEngine.Evaluate(intent, port.OpenPositionCount(), port.Cash(), todayRealizedPnL(port, bar.Timestamp), exposure, bar.Timestamp)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s/%s: risk engine error: %v", symbol, botName, err))
			return
		}
		if !decision.Allowed {
			result.Orders = append(result.Orders, OrderRecord{
				Timestamp: bar.Timestamp, Symbol: symbol, Bot: botName, Side: string(side),
				Requested: requested, Accepted: false, Reason: decision.RejectionReason,
			})
			return
		}
		requested = decision.AdjustedSize
	}

	fill := e.simulator.Fill(symbol, side, requested, bar.Close, bar.Timestamp)
	result.Orders = append(result.Orders, orderRecord(bar.Timestamp, symbol, botName, string(side), requested, fill))
	if fill.Accepted {
		if e.riskEngine != nil {
			e.riskEngine.RecordTrade(bar.Timestamp)
		}
		port.Open(symbol, botName, posSide, fill.Size, fill.Price, bar.Timestamp, sig.StopLoss, sig.TakeProfit)
	}
}

func (e *Engine) feeFunc(symbol string) portfolio.FeeFunc {
	return func(size, price decimal.Decimal) decimal.Decimal {
		return e.simulator.ComputeFees(size, price)
	}
}

func orderRecord(ts time.Time, symbol, bot, side string, requested decimal.Decimal, fill broker.FillResult) OrderRecord {
	return OrderRecord{
		Timestamp: ts, Symbol: symbol, Bot: bot, Side: side, Requested: requested,
		Filled: fill.Size, Price: fill.Price, Fees: fill.Fees, Accepted: fill.Accepted, Reason: fill.Reason,
	}
}

// todayRealizedPnL sums closed-trade PnL for trades exiting on the same
// UTC calendar day as now, feeding the risk engine's max-daily-loss
// check (spec.md §4.9 check 6).
func todayRealizedPnL(port *portfolio.Portfolio, now time.Time) decimal.Decimal {
	y, m, d := now.UTC().Date()
	total := decimal.Zero
	for _, tr := range port.Trades() {
		ty, tm, td := tr.ExitTime.UTC().Date()
		if ty == y && tm == m && td == d {
			total = total.Add(tr.PnL)
		}
	}
	return total
}

func checkMonotone(bars []types.Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("bar timestamps not strictly increasing at index %d", i)
		}
	}
	return nil
}

func sortedKeys(m map[string]strategy.Strategy) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func report(progress ProgressFunc, stage string, done, total int, message string) {
	if progress != nil {
		progress(stage, done, total, message)
	}
}
