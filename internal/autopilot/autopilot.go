// Package autopilot binds finalized bars to registered strategies and
// routes the resulting signals as order intents, grounded on the
// teacher's internal/autonomous/agent.go TradingAgent (signal poll
// loop -> risk check -> execute) but restructured into the
// specification's event-driven, allowlist-combo-keyed design (spec.md
// §4.19): DEMO-mode only, armed, kill-switch clear, non-empty
// allowlist, one strategy instance and bounded bar buffer per
// (symbol, bot, timeframe) combo, per-combo cooldown, and a global
// sliding-window rate limit.
package autopilot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/killswitch"
	"github.com/atlas-desktop/forex-engine/internal/router"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

const maxErrorRing = 50

// Config bundles the autopilot's tunables.
type Config struct {
	DefaultSize          decimal.Decimal
	PerComboCooldownBars int
	RateLimitPerMinute   int
	AllowlistMaxAge       time.Duration
	// ExtraBufferBars pads each combo's bar buffer past the strategy's
	// warmup requirement, so a strategy can look slightly further back
	// than its stated minimum without the buffer needing a resize.
	ExtraBufferBars int
}

func (c Config) withDefaults() Config {
	if c.PerComboCooldownBars <= 0 {
		c.PerComboCooldownBars = 5
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 10
	}
	if c.AllowlistMaxAge <= 0 {
		c.AllowlistMaxAge = 24 * time.Hour
	}
	if c.ExtraBufferBars <= 0 {
		c.ExtraBufferBars = 50
	}
	if c.DefaultSize.IsZero() {
		c.DefaultSize = decimal.NewFromFloat(0.1)
	}
	return c
}

type comboState struct {
	strategy strategy.Strategy
	bars     []types.Bar
	maxBars  int
	cooldown int
}

// StrategyError records an evaluation failure for the bounded error ring.
type StrategyError struct {
	At    time.Time
	Combo string
	Err   string
}

// Autopilot evaluates allowlisted (symbol, bot, timeframe) combos on
// every finalized bar and routes entry signals through the execution
// router.
type Autopilot struct {
	mu sync.Mutex

	logger     *zap.Logger
	bus        *eventbus.EventBus
	registry   *strategy.Registry
	router     *router.Router
	allowlist  *allowlist.Allowlist
	killSwitch *killswitch.Switch
	runID      string
	cfg        Config

	combos    map[string]*comboState
	rateLimit []time.Time
	errors    []StrategyError
}

// New constructs an Autopilot. registry, router, allowlist, and
// killSwitch must be non-nil.
func New(logger *zap.Logger, bus *eventbus.EventBus, registry *strategy.Registry, rtr *router.Router, allow *allowlist.Allowlist, killSwitch *killswitch.Switch, runID string, cfg Config) *Autopilot {
	return &Autopilot{
		logger:     logger,
		bus:        bus,
		registry:   registry,
		router:     rtr,
		allowlist:  allow,
		killSwitch: killSwitch,
		runID:      runID,
		cfg:        cfg.withDefaults(),
		combos:     make(map[string]*comboState),
	}
}

// Enabled reports whether autopilot is permitted to act right now:
// DEMO mode, armed, kill switch clear, and at least one active
// allowlist entry.
func (a *Autopilot) Enabled(now time.Time) bool {
	state := a.router.State()
	if state.Mode != types.TradingModeDemo || !state.Armed {
		return false
	}
	if a.killSwitch != nil && a.killSwitch.Active() {
		return false
	}
	for _, e := range a.allowlist.List() {
		if e.Active(now, a.cfg.AllowlistMaxAge) {
			return true
		}
	}
	return false
}

// OnBar is called for every finalized bar, of any timeframe. It
// evaluates every active allowlist combo matching the bar's symbol and
// timeframe.
func (a *Autopilot) OnBar(ctx context.Context, bar types.Bar, now time.Time) {
	if !a.Enabled(now) {
		return
	}
	for _, entry := range a.allowlist.List() {
		if entry.Symbol != bar.Symbol || entry.Timeframe != bar.Timeframe {
			continue
		}
		if !entry.Active(now, a.cfg.AllowlistMaxAge) {
			continue
		}
		a.evaluateCombo(ctx, entry, bar, now)
	}
}

func (a *Autopilot) evaluateCombo(ctx context.Context, entry types.AllowlistEntry, bar types.Bar, now time.Time) {
	key := entry.Key()

	a.mu.Lock()
	cs, ok := a.combos[key]
	if !ok {
		strat, err := a.registry.Create(entry.Bot)
		if err != nil {
			a.mu.Unlock()
			a.recordError(key, now, err)
			return
		}
		cs = &comboState{
			strategy: strat,
			maxBars:  strat.Warmup() + a.cfg.ExtraBufferBars,
			cooldown: a.cfg.PerComboCooldownBars,
		}
		a.combos[key] = cs
	}

	cs.bars = append(cs.bars, bar)
	if len(cs.bars) > cs.maxBars {
		cs.bars = cs.bars[len(cs.bars)-cs.maxBars:]
	}
	cs.cooldown++

	if cs.cooldown < a.cfg.PerComboCooldownBars {
		a.mu.Unlock()
		return
	}
	if len(cs.bars) < cs.strategy.Warmup() {
		a.mu.Unlock()
		return
	}
	barsSnapshot := make([]types.Bar, len(cs.bars))
	copy(barsSnapshot, cs.bars)
	strat := cs.strategy
	a.mu.Unlock()

	sctx := strategy.Context{Symbol: entry.Symbol, Timeframe: entry.Timeframe, BotName: entry.Bot}
	signal, err := strat.Evaluate(barsSnapshot, types.PositionHint{}, sctx)
	if err != nil {
		a.recordError(key, now, err)
		return
	}
	if signal.Direction == types.DirectionHold {
		return
	}

	if !a.allowRate(now) {
		if a.logger != nil {
			a.logger.Warn("autopilot: global rate limit reached, skipping signal", zap.String("combo", key))
		}
		return
	}

	a.mu.Lock()
	cs.cooldown = 0
	a.mu.Unlock()

	a.routeSignal(ctx, entry, signal, now)
}

// allowRate enforces the N-signals-per-60s sliding window limit.
func (a *Autopilot) allowRate(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	kept := a.rateLimit[:0]
	for _, t := range a.rateLimit {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.rateLimit = kept
	if len(a.rateLimit) >= a.cfg.RateLimitPerMinute {
		return false
	}
	a.rateLimit = append(a.rateLimit, now)
	return true
}

func (a *Autopilot) routeSignal(ctx context.Context, entry types.AllowlistEntry, signal types.SignalIntent, now time.Time) {
	side := types.SideBuy
	if signal.Direction == types.DirectionSell {
		side = types.SideSell
	}

	intent := types.OrderIntent{
		IntentID:   uuid.New().String(),
		Symbol:     entry.Symbol,
		Side:       side,
		Size:       a.cfg.DefaultSize,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
		OrderType:  types.OrderTypeMarket,
		Bot:        entry.Bot,
		Reasons:    signal.Reasons,
		CreatedAt:  now,
	}

	result, err := a.router.RouteIntent(ctx, intent, now)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("autopilot: route intent failed", zap.Error(err), zap.String("combo", entry.Key()))
		}
		return
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.New(eventbus.EventTypeAutopilotSignal, a.runID, map[string]any{
			"combo":     entry.Key(),
			"symbol":    entry.Symbol,
			"bot":       entry.Bot,
			"direction": string(signal.Direction),
			"accepted":  result.Accepted,
			"intent_id": intent.IntentID,
		}))
	}
}

func (a *Autopilot) recordError(combo string, at time.Time, err error) {
	if a.logger != nil {
		a.logger.Warn("autopilot: strategy evaluation failed", zap.String("combo", combo), zap.Error(err))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, StrategyError{At: at, Combo: combo, Err: err.Error()})
	if len(a.errors) > maxErrorRing {
		a.errors = a.errors[len(a.errors)-maxErrorRing:]
	}
}

// Errors returns a copy of the bounded strategy-error ring buffer.
func (a *Autopilot) Errors() []StrategyError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]StrategyError, len(a.errors))
	copy(out, a.errors)
	return out
}
