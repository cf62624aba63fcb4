// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents a trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction represents a signal direction, including the no-op case.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// PositionSide represents long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType enumerates the order types the router/simulator understand.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// Timeframe enumerates supported bar intervals.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
)

// Duration returns the wall-clock duration of one bar of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// Bar is an immutable OHLCV candle keyed by (Symbol, Timeframe, Timestamp).
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Valid reports whether the bar satisfies the structural OHLCV invariants.
func (b Bar) Valid() bool {
	if b.Open.IsNegative() || b.High.IsNegative() || b.Low.IsNegative() ||
		b.Close.IsNegative() || b.Volume.IsNegative() {
		return false
	}
	maxOC := decimal.Max(b.Open, b.Close)
	minOC := decimal.Min(b.Open, b.Close)
	if b.High.LessThan(maxOC) {
		return false
	}
	if b.Low.GreaterThan(minOC) {
		return false
	}
	return true
}

// Key returns the dedup/storage key for this bar.
func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timeframe: b.Timeframe, Timestamp: b.Timestamp}
}

// BarKey identifies a bar for dedup/storage purposes.
type BarKey struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp time.Time
}

// SignalIntent is the pure output of a strategy evaluating a bar sequence.
type SignalIntent struct {
	Direction  Direction              `json:"direction"`
	StopLoss   *decimal.Decimal       `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal       `json:"takeProfit,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Reasons    []string               `json:"reasons,omitempty"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
}

// PositionHint describes the current position side passed to a strategy, if any.
type PositionHint struct {
	Present bool
	Side    PositionSide
}

// OrderIntent is a strategy/router/manual request to place an order.
type OrderIntent struct {
	IntentID   string           `json:"intentId"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
	Epic       string           `json:"epic,omitempty"`
	OrderType  OrderType        `json:"orderType"`
	Bot        string           `json:"bot"`
	Reasons    []string         `json:"reasons,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Position is an open exposure, owned by the portfolio (backtest) or
// mirrored from broker truth (live).
type Position struct {
	Symbol        string           `json:"symbol"`
	Bot           string           `json:"bot"`
	Side          PositionSide     `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	EntryPrice    decimal.Decimal  `json:"entryPrice"`
	EntryTime     time.Time        `json:"entryTime"`
	StopLoss      *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"takeProfit,omitempty"`
	UnrealizedPnL decimal.Decimal  `json:"unrealizedPnl"`
	MAE           decimal.Decimal  `json:"mae"`
	MFE           decimal.Decimal  `json:"mfe"`
	BarsHeld      int              `json:"barsHeld"`
	DealID        string           `json:"dealId,omitempty"`
}

// PositionKey identifies a position by (symbol, bot).
type PositionKey struct {
	Symbol string
	Bot    string
}

func (p Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Bot: p.Bot}
}

// EquityPoint is one sample of the portfolio equity curve.
type EquityPoint struct {
	Timestamp      time.Time       `json:"timestamp"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	Drawdown       decimal.Decimal `json:"drawdown"`
	DrawdownPct    decimal.Decimal `json:"drawdownPct"`
	HighWaterMark  decimal.Decimal `json:"highWaterMark"`
}

// TradeRecord is emitted when a position closes.
type TradeRecord struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Bot        string          `json:"bot"`
	Side       PositionSide    `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	PnL        decimal.Decimal `json:"pnl"`
	Fees       decimal.Decimal `json:"fees"`
	MAE        decimal.Decimal `json:"mae"`
	MFE        decimal.Decimal `json:"mfe"`
	BarsHeld   int             `json:"barsHeld"`
	ExitReason string          `json:"exitReason"`
}
