package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DealingRules are the broker-imposed size constraints for one symbol.
type DealingRules struct {
	MinSize  decimal.Decimal
	MaxSize  decimal.Decimal
	SizeStep decimal.Decimal
}

// FeeSchedule is the broker's commission model: a flat per-trade fee
// plus a per-lot fee plus a percentage of notional.
type FeeSchedule struct {
	PerTradeFlat decimal.Decimal
	PerLot       decimal.Decimal
	Percentage   decimal.Decimal // e.g. 0.02 means 0.02%
}

// SimConfig configures the deterministic broker simulator.
type SimConfig struct {
	SpreadBySymbol   map[string]decimal.Decimal // full spread, half applied each side
	SlippageBySymbol map[string]decimal.Decimal // fraction of price, always adverse
	Fees             FeeSchedule
	DealingRules     map[string]DealingRules
	DefaultRules     DealingRules
}

// FillResult is the outcome of simulating one order.
type FillResult struct {
	Accepted bool
	Price    decimal.Decimal
	Size     decimal.Decimal
	Fees     decimal.Decimal
	Reason   string
}

// HistoryEntry records one simulated fill or rejection.
type HistoryEntry struct {
	Timestamp time.Time
	Symbol    string
	Side      string
	Requested decimal.Decimal
	Result    FillResult
}

const roundingEpsilon = "0.0000001"

// Simulator deterministically computes fills from a bar close, the
// configured spread/slippage/fees, and per-symbol dealing rules. No
// partial fills: an order is either fully filled or fully rejected.
type Simulator struct {
	mu       sync.Mutex
	cfg      SimConfig
	logger   *zap.Logger
	history  []HistoryEntry
	warnings []string
}

// NewSimulator builds a broker simulator.
func NewSimulator(logger *zap.Logger, cfg SimConfig) *Simulator {
	return &Simulator{cfg: cfg, logger: logger}
}

// Side mirrors the canonical buy/sell direction used for price math.
// CLOSE_LONG behaves like SELL, CLOSE_SHORT behaves like BUY, per
// spec.md §4.3.
type Side string

const (
	SideBuy        Side = "BUY"
	SideSell       Side = "SELL"
	SideCloseLong  Side = "CLOSE_LONG"
	SideCloseShort Side = "CLOSE_SHORT"
)

func (s Side) priceDirection() Side {
	switch s {
	case SideCloseLong:
		return SideSell
	case SideCloseShort:
		return SideBuy
	default:
		return s
	}
}

// Fill simulates one order against the given bar close.
func (s *Simulator) Fill(symbol string, side Side, requestedSize, barClose decimal.Decimal, ts time.Time) FillResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.rulesFor(symbol)
	size, err := applyDealingRules(requestedSize, rules)
	if err != nil {
		res := FillResult{Accepted: false, Reason: err.Error()}
		s.record(symbol, side, requestedSize, res, ts)
		return res
	}

	direction := side.priceDirection()
	spread := s.cfg.SpreadBySymbol[symbol]
	slip := s.cfg.SlippageBySymbol[symbol]

	price := barClose
	halfSpread := spread.Div(decimal.NewFromInt(2))
	switch direction {
	case SideBuy:
		price = price.Add(halfSpread)
		price = price.Add(barClose.Mul(slip))
	case SideSell:
		price = price.Sub(halfSpread)
		price = price.Sub(barClose.Mul(slip))
	default:
		res := FillResult{Accepted: false, Reason: fmt.Sprintf("unknown side %q", side)}
		s.record(symbol, side, requestedSize, res, ts)
		return res
	}

	notional := size.Mul(price)
	fees := s.cfg.Fees.PerTradeFlat.
		Add(s.cfg.Fees.PerLot.Mul(size)).
		Add(notional.Mul(s.cfg.Fees.Percentage).Div(decimal.NewFromInt(100)))

	res := FillResult{Accepted: true, Price: price, Size: size, Fees: fees}
	s.record(symbol, side, requestedSize, res, ts)
	return res
}

// ComputeFees returns the fee schedule's charge for a trade of size at
// price, without touching history or applying spread/slippage. Used by
// callers (e.g. the portfolio's SL/TP exit path) that already know the
// exit price and only need the fee component.
func (s *Simulator) ComputeFees(size, price decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	notional := size.Mul(price)
	return s.cfg.Fees.PerTradeFlat.
		Add(s.cfg.Fees.PerLot.Mul(size)).
		Add(notional.Mul(s.cfg.Fees.Percentage).Div(decimal.NewFromInt(100)))
}

func (s *Simulator) rulesFor(symbol string) DealingRules {
	if r, ok := s.cfg.DealingRules[symbol]; ok {
		return r
	}
	return s.cfg.DefaultRules
}

// applyDealingRules rejects below min, above max, and off-step sizes
// (rounding only absorbs remainders within epsilon); any order outside
// these constraints is rejected with a structured reason rather than
// silently coerced into range. Capping/sizing to fit is the risk
// engine's job, a separate layer.
func applyDealingRules(size decimal.Decimal, rules DealingRules) (decimal.Decimal, error) {
	if !rules.MaxSize.IsZero() && size.GreaterThan(rules.MaxSize) {
		return decimal.Zero, fmt.Errorf("size %s above maximum %s", size.String(), rules.MaxSize.String())
	}
	if !rules.SizeStep.IsZero() {
		rounded, ok := roundToStep(size, rules.SizeStep)
		if !ok {
			if !rules.MinSize.IsZero() && size.LessThan(rules.MinSize) {
				return decimal.Zero, fmt.Errorf("size %s below minimum %s", size.String(), rules.MinSize.String())
			}
			return decimal.Zero, fmt.Errorf("size %s is not a multiple of step %s", size.String(), rules.SizeStep.String())
		}
		size = rounded
	}
	if !rules.MinSize.IsZero() && size.LessThan(rules.MinSize) {
		return decimal.Zero, fmt.Errorf("size %s below minimum %s", size.String(), rules.MinSize.String())
	}
	return size, nil
}

// roundToStep snaps size to the nearest step only when the remainder is
// within epsilon of a step boundary; otherwise it reports the size as
// not a clean multiple of step and the caller rejects the order.
func roundToStep(size, step decimal.Decimal) (decimal.Decimal, bool) {
	if step.IsZero() {
		return size, true
	}
	quotient := size.Div(step).Round(0)
	rounded := quotient.Mul(step)
	eps, _ := decimal.NewFromString(roundingEpsilon)
	if rounded.Sub(size).Abs().LessThanOrEqual(eps) {
		return rounded, true
	}
	return decimal.Zero, false
}

func (s *Simulator) record(symbol string, side Side, requested decimal.Decimal, res FillResult, ts time.Time) {
	s.history = append(s.history, HistoryEntry{
		Timestamp: ts, Symbol: symbol, Side: string(side), Requested: requested, Result: res,
	})
	if !res.Accepted {
		s.warn(fmt.Sprintf("order rejected: %s %s %s: %s", symbol, side, requested.String(), res.Reason))
	}
}

// History returns a copy of every simulated fill and rejection.
func (s *Simulator) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Warnings returns accumulated non-fatal warnings.
func (s *Simulator) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

func (s *Simulator) warn(msg string) {
	s.warnings = append(s.warnings, msg)
	if s.logger != nil {
		s.logger.Warn(msg)
	}
}
