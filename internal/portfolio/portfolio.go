// Package portfolio tracks open positions, the equity curve, and
// SL/TP-triggered exits for one backtest or live account.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExitReason names why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonSignal     ExitReason = "signal"
	ExitReasonManual     ExitReason = "manual"
)

// Portfolio mutates in response to fills, keeping positions keyed by
// (symbol, bot). Equity = cash + Σ unrealized PnL, high-water mark is
// monotone non-decreasing (spec.md §4.4, §8).
type Portfolio struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	initialCash   decimal.Decimal
	cash          decimal.Decimal
	positions     map[types.PositionKey]*types.Position
	highWaterMark decimal.Decimal
	equityCurve   []types.EquityPoint
	trades        []types.TradeRecord
}

// New creates a portfolio seeded with initialCash.
func New(logger *zap.Logger, initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		logger:        logger,
		initialCash:   initialCash,
		cash:          initialCash,
		positions:     make(map[types.PositionKey]*types.Position),
		highWaterMark: initialCash,
	}
}

// Reset restores the portfolio to its just-constructed state exactly.
func (p *Portfolio) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.initialCash
	p.positions = make(map[types.PositionKey]*types.Position)
	p.highWaterMark = p.initialCash
	p.equityCurve = nil
	p.trades = nil
}

// Open records a newly-filled entry order as an open position.
func (p *Portfolio) Open(symbol, bot string, side types.PositionSide, size, entryPrice decimal.Decimal, entryTime time.Time, sl, tp *decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := types.PositionKey{Symbol: symbol, Bot: bot}
	p.positions[key] = &types.Position{
		Symbol: symbol, Bot: bot, Side: side, Size: size,
		EntryPrice: entryPrice, EntryTime: entryTime,
		StopLoss: sl, TakeProfit: tp,
	}
}

// Get returns the open position for (symbol, bot), if any.
func (p *Portfolio) Get(symbol, bot string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[types.PositionKey{Symbol: symbol, Bot: bot}]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// UpdatePrices recomputes unrealized PnL and MAE/MFE for every open
// position given the latest close price per symbol.
func (p *Portfolio) UpdatePrices(prices map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		pnl := unrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, price)
		pos.UnrealizedPnL = pnl
		if pnl.LessThan(pos.MAE) {
			pos.MAE = pnl
		}
		if pnl.GreaterThan(pos.MFE) {
			pos.MFE = pnl
		}
	}
}

func unrealizedPnL(side types.PositionSide, size, entry, current decimal.Decimal) decimal.Decimal {
	diff := current.Sub(entry)
	if side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

// IncrementBarsHeld advances every open position's bar counter by one.
func (p *Portfolio) IncrementBarsHeld() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		pos.BarsHeld++
	}
}

// FeeFunc computes the exit fee for a closing trade of the given
// notional (size*price); the broker simulator supplies the concrete
// fee schedule.
type FeeFunc func(size, price decimal.Decimal) decimal.Decimal

// CheckExits closes any position whose SL or TP would trigger at the
// given bar price, generating a TradeRecord and crediting cash.
func (p *Portfolio) CheckExits(prices map[string]decimal.Decimal, exitTime time.Time, fee FeeFunc) []types.TradeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closed []types.TradeRecord
	for key, pos := range p.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		reason, exitPrice, triggered := checkTrigger(pos, price)
		if !triggered {
			continue
		}
		trade := p.closeLocked(key, pos, exitPrice, exitTime, reason, fee)
		closed = append(closed, trade)
	}
	return closed
}

func checkTrigger(pos *types.Position, price decimal.Decimal) (ExitReason, decimal.Decimal, bool) {
	if pos.Side == types.PositionSideLong {
		if pos.StopLoss != nil && price.LessThanOrEqual(*pos.StopLoss) {
			return ExitReasonStopLoss, *pos.StopLoss, true
		}
		if pos.TakeProfit != nil && price.GreaterThanOrEqual(*pos.TakeProfit) {
			return ExitReasonTakeProfit, *pos.TakeProfit, true
		}
	} else {
		if pos.StopLoss != nil && price.GreaterThanOrEqual(*pos.StopLoss) {
			return ExitReasonStopLoss, *pos.StopLoss, true
		}
		if pos.TakeProfit != nil && price.LessThanOrEqual(*pos.TakeProfit) {
			return ExitReasonTakeProfit, *pos.TakeProfit, true
		}
	}
	return "", decimal.Zero, false
}

// Close closes the (symbol, bot) position at exitPrice for the given
// reason (signal reversal, manual close, etc.) and returns the
// resulting trade record.
func (p *Portfolio) Close(symbol, bot string, exitPrice decimal.Decimal, exitTime time.Time, reason ExitReason, fee FeeFunc) (types.TradeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := types.PositionKey{Symbol: symbol, Bot: bot}
	pos, ok := p.positions[key]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("portfolio: no open position for %s/%s", symbol, bot)
	}
	return p.closeLocked(key, pos, exitPrice, exitTime, reason, fee), nil
}

func (p *Portfolio) closeLocked(key types.PositionKey, pos *types.Position, exitPrice decimal.Decimal, exitTime time.Time, reason ExitReason, fee FeeFunc) types.TradeRecord {
	pnl := unrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, exitPrice)
	var fees decimal.Decimal
	if fee != nil {
		fees = fee(pos.Size, exitPrice)
	}
	p.cash = p.cash.Add(pnl).Sub(fees)
	delete(p.positions, key)

	mae, mfe := pos.MAE, pos.MFE
	if pnl.LessThan(mae) {
		mae = pnl
	}
	if pnl.GreaterThan(mfe) {
		mfe = pnl
	}

	trade := types.TradeRecord{
		ID: uuid.New().String(), Symbol: pos.Symbol, Bot: pos.Bot, Side: pos.Side,
		Size: pos.Size, EntryPrice: pos.EntryPrice, ExitPrice: exitPrice,
		EntryTime: pos.EntryTime, ExitTime: exitTime, PnL: pnl, Fees: fees,
		MAE: mae, MFE: mfe, BarsHeld: pos.BarsHeld, ExitReason: string(reason),
	}
	p.trades = append(p.trades, trade)
	if p.logger != nil {
		p.logger.Debug("position closed", zap.String("symbol", pos.Symbol), zap.String("reason", string(reason)), zap.String("pnl", pnl.String()))
	}
	return trade
}

// CloseAll force-closes, with ExitReasonManual, every open position
// whose symbol has a price in prices; positions without a price stay open.
func (p *Portfolio) CloseAll(prices map[string]decimal.Decimal, exitTime time.Time, fee FeeFunc) []types.TradeRecord {
	p.mu.Lock()
	keys := make([]types.PositionKey, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	var out []types.TradeRecord
	for _, k := range keys {
		price, ok := prices[k.Symbol]
		if !ok {
			continue
		}
		trade, err := p.Close(k.Symbol, k.Bot, price, exitTime, ExitReasonManual, fee)
		if err == nil {
			out = append(out, trade)
		}
	}
	return out
}

// Equity returns cash + Σ unrealized PnL across open positions.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	eq := p.cash
	for _, pos := range p.positions {
		eq = eq.Add(pos.UnrealizedPnL)
	}
	return eq
}

// RecordEquityPoint appends one equity-curve sample, maintaining the
// monotone high-water mark invariant.
func (p *Portfolio) RecordEquityPoint(ts time.Time) types.EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.equityLocked()
	unrealized := equity.Sub(p.cash)
	if equity.GreaterThan(p.highWaterMark) {
		p.highWaterMark = equity
	}
	drawdown := p.highWaterMark.Sub(equity)
	if drawdown.LessThan(decimal.Zero) {
		drawdown = decimal.Zero
	}
	var drawdownPct decimal.Decimal
	if !p.highWaterMark.IsZero() {
		drawdownPct = drawdown.Div(p.highWaterMark)
	}

	point := types.EquityPoint{
		Timestamp: ts, Equity: equity, Cash: p.cash,
		UnrealizedPnL: unrealized, RealizedPnL: equity.Sub(unrealized).Sub(p.initialCash),
		Drawdown: drawdown, DrawdownPct: drawdownPct, HighWaterMark: p.highWaterMark,
	}
	p.equityCurve = append(p.equityCurve, point)
	return point
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// OpenPositionCount returns the number of currently open positions.
func (p *Portfolio) OpenPositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// OpenPositions returns a copy of all open positions.
func (p *Portfolio) OpenPositions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// EquityCurve returns a copy of every recorded equity point.
func (p *Portfolio) EquityCurve() []types.EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.EquityPoint, len(p.equityCurve))
	copy(out, p.equityCurve)
	return out
}

// Trades returns a copy of every closed trade.
func (p *Portfolio) Trades() []types.TradeRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.TradeRecord, len(p.trades))
	copy(out, p.trades)
	return out
}

// ExposureNotional returns the current absolute notional exposure to
// symbol across all bots (used by the risk engine's per-symbol cap).
func (p *Portfolio) ExposureNotional(symbol string, currentPrice decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		total = total.Add(pos.Size.Mul(currentPrice))
	}
	return total
}
