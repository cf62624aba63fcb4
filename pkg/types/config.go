package types

import "time"

// TradingMode is DEMO or LIVE.
type TradingMode string

const (
	TradingModeDemo TradingMode = "DEMO"
	TradingModeLive TradingMode = "LIVE"
)

// ExecutionConfig is immutable within a run; config changes create a new
// value (spec.md §3).
type ExecutionConfig struct {
	Mode                   TradingMode
	MaxPositionSize        float64
	MaxConcurrentPositions int
	MaxDailyLossPct        float64
	MaxTradesPerHour       int
	PerSymbolExposureCap   float64
	RequireSL              bool
	CloseOnKillSwitch      bool
	ReconcileIntervalS     int
}

// GateStatus is the trading-gates evaluation result (spec.md §4.11).
type GateStatus struct {
	Allowed  bool
	Mode     TradingMode
	Blockers []string
	Warnings []string
	Details  map[string]any
}

// AllowlistEntry is a persisted, approved (symbol, bot, timeframe)
// combination (spec.md §3).
type AllowlistEntry struct {
	Symbol           string    `json:"symbol"`
	Bot              string    `json:"bot"`
	Timeframe        Timeframe `json:"timeframe"`
	Sharpe           float64   `json:"sharpe"`
	WinRate          float64   `json:"winRate"`
	MaxDrawdownPct   float64   `json:"maxDrawdownPct"`
	Trades           int       `json:"trades"`
	SourceRunID      string    `json:"sourceRunId"`
	ValidatedAt      time.Time `json:"validatedAt"`
	Enabled          bool      `json:"enabled"`
}

// Key returns the composite allowlist key.
func (e AllowlistEntry) Key() string {
	return e.Symbol + ":" + e.Bot + ":" + string(e.Timeframe)
}

// Stale reports whether the entry's validation has aged past maxAge.
func (e AllowlistEntry) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.ValidatedAt) > maxAge
}

// Active reports whether the entry should currently be treated as
// tradable: enabled and not stale.
func (e AllowlistEntry) Active(now time.Time, maxAge time.Duration) bool {
	return e.Enabled && !e.Stale(now, maxAge)
}

// Fold is one walk-forward window pair (spec.md §3, §4.7).
type Fold struct {
	WindowID   int
	ISStart    time.Time
	ISEnd      time.Time
	OOSStart   time.Time
	OOSEnd     time.Time
}

// ComboKey identifies a (symbol, bot, timeframe) combination.
type ComboKey struct {
	Symbol    string
	Bot       string
	Timeframe Timeframe
}

// ComboPerformance is one fold's metrics for one combo (spec.md §3).
type ComboPerformance struct {
	Combo          ComboKey
	WindowID       int
	IsOutOfSample  bool
	Sharpe         float64
	Sortino        float64
	WinRate        float64
	ProfitFactor   float64
	ReturnPct      float64
	MaxDrawdownPct float64
	Trades         int
}
