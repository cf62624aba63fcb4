// Package router implements the central execution state machine that
// every order intent passes through on its way to the broker (spec.md
// §4.14), composing the risk engine, safety guard, trading gates, kill
// switch, and ledger in the specification's exact sequence.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/gates"
	"github.com/atlas-desktop/forex-engine/internal/killswitch"
	"github.com/atlas-desktop/forex-engine/internal/ledger"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/safety"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceRefresher fetches the current account balance from the broker.
type BalanceRefresher func(ctx context.Context) (decimal.Decimal, error)

// State is the router's observable state (spec.md §4.14).
type State struct {
	Connected          bool
	Armed              bool
	KillSwitchActive   bool
	SignalsEnabled     bool
	DemoArmEnabled     bool
	Mode               types.TradingMode
	AccountID          string
	Balance            decimal.Decimal
	OpenPositionCount  int
	RealizedPnLToday   decimal.Decimal
	TradesThisHour     int
	BalanceRefreshedAt time.Time
}

// RouteResult is the verdict for one routed intent.
type RouteResult struct {
	Accepted        bool
	Status          types.OrderState
	RejectionReason string
	DealReference   string
	Tracker         *types.OrderTracker
}

// Router is the execution state machine. It holds no business logic of
// its own beyond sequencing: every check is delegated to its component.
type Router struct {
	mu sync.Mutex

	logger *zap.Logger
	state  State

	gate       *gates.Gate
	guard      *safety.Guard
	riskEngine *risk.Engine
	killSwitch *killswitch.Switch
	allowlist  *allowlist.Allowlist // nil => allowlist inactive
	ledger     *ledger.Ledger
	bus        *eventbus.EventBus
	adapter    broker.Adapter

	refreshBalance    BalanceRefresher
	getMidPrice       func(symbol string) (decimal.Decimal, bool)
	balanceStaleAfter time.Duration
	allowlistMaxAge   time.Duration

	runID string

	positions map[string]broker.PositionView // by dealID
	orders    map[string]*types.OrderTracker  // by dealReference
	fillsSinceBalanceRefresh int
}

// Config bundles a Router's fixed dependencies.
type Config struct {
	Logger     *zap.Logger
	Gate       *gates.Gate
	Guard      *safety.Guard
	RiskEngine *risk.Engine
	KillSwitch *killswitch.Switch
	Allowlist  *allowlist.Allowlist
	Ledger     *ledger.Ledger
	Bus        *eventbus.EventBus
	Adapter    broker.Adapter

	RefreshBalance    BalanceRefresher
	GetMidPrice       func(symbol string) (decimal.Decimal, bool)
	BalanceStaleAfter time.Duration // default 5 minutes
	AllowlistMaxAge   time.Duration // default 24h
	RunID             string
	Mode              types.TradingMode
}

// New constructs a Router in the disconnected, disarmed state.
func New(cfg Config) *Router {
	staleAfter := cfg.BalanceStaleAfter
	if staleAfter == 0 {
		staleAfter = 5 * time.Minute
	}
	allowlistMaxAge := cfg.AllowlistMaxAge
	if allowlistMaxAge == 0 {
		allowlistMaxAge = 24 * time.Hour
	}
	return &Router{
		logger:            cfg.Logger,
		gate:              cfg.Gate,
		guard:             cfg.Guard,
		riskEngine:        cfg.RiskEngine,
		killSwitch:        cfg.KillSwitch,
		allowlist:         cfg.Allowlist,
		ledger:            cfg.Ledger,
		bus:               cfg.Bus,
		adapter:           cfg.Adapter,
		refreshBalance:    cfg.RefreshBalance,
		getMidPrice:       cfg.GetMidPrice,
		balanceStaleAfter: staleAfter,
		allowlistMaxAge:   allowlistMaxAge,
		runID:             cfg.RunID,
		positions:         make(map[string]broker.PositionView),
		orders:            make(map[string]*types.OrderTracker),
		state:             State{Mode: cfg.Mode},
	}
}

// State returns a snapshot of the router's current state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetConnected updates the connected flag (driven by the broker session
// manager).
func (r *Router) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Connected = connected
}

// SetKillSwitch binds the kill switch after construction, breaking the
// router/kill-switch construction cycle (spec.md §9: the kill switch's
// PositionCloser is the router itself, so neither can be fully built
// before the other exists).
func (r *Router) SetKillSwitch(k *killswitch.Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killSwitch = k
}

// SetPositions overwrites the router's local position view, as driven
// by the reconciliation service (broker truth always wins).
func (r *Router) SetPositions(positions []broker.PositionView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = make(map[string]broker.PositionView, len(positions))
	for _, p := range positions {
		r.positions[p.DealID] = p
	}
	r.state.OpenPositionCount = len(positions)
}

// Positions returns a copy of the router's local position view.
func (r *Router) Positions() []broker.PositionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broker.PositionView, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	return out
}

// Arm transitions the router into the armed state. Must be connected
// and confirmed; in LIVE mode the trading gates must also pass.
func (r *Router) Arm(confirm bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.Connected {
		return fmt.Errorf("router: cannot arm while disconnected")
	}
	if !confirm {
		return fmt.Errorf("router: arm requires explicit confirmation")
	}
	if r.state.Mode == types.TradingModeLive {
		status := r.gate.Evaluate(r.state.Mode, now)
		if !status.Allowed {
			return fmt.Errorf("router: trading gates block arming: %v", status.Blockers)
		}
	}
	r.state.Armed = true
	return nil
}

// Disarm transitions the router out of the armed state. If it was
// previously in LIVE mode, the UI confirmation is revoked.
func (r *Router) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasLive := r.state.Mode == types.TradingModeLive
	r.state.Armed = false
	if wasLive {
		r.gate.RevokeUIConfirmation()
	}
}

func (r *Router) publish(t eventbus.EventType, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.New(t, r.runID, data))
}

func (r *Router) appendLedger(entry ledger.Entry) {
	if r.ledger == nil {
		return
	}
	entry.RunID = r.runID
	if err := r.ledger.Append(entry); err != nil && r.logger != nil {
		r.logger.Error("router: ledger append failed", zap.Error(err))
	}
}

func sideToDirection(s types.Side) string {
	if s == types.SideSell {
		return "SELL"
	}
	return "BUY"
}

func opposite(direction string) string {
	if direction == "BUY" {
		return "SELL"
	}
	return "BUY"
}

// RouteIntent runs intent through the full route_intent sequence
// (spec.md §4.14) and, if all checks pass and the router is armed and
// connected, submits it to the broker.
func (r *Router) RouteIntent(ctx context.Context, intent types.OrderIntent, now time.Time) (RouteResult, error) {
	r.mu.Lock()
	mode := r.state.Mode
	r.mu.Unlock()

	// 1. LIVE trading gates.
	if mode == types.TradingModeLive {
		status := r.gate.Evaluate(mode, now)
		if !status.Allowed {
			return r.rejectIntent(intent, now, fmt.Sprintf("trading gates blocked: %v", status.Blockers))
		}
	}

	// 2. Pre-order safety check.
	guardResult := r.guard.Check(mode, intent.IntentID, intent.Size, now)
	if !guardResult.Allowed {
		return r.rejectIntent(intent, now, guardResult.RejectionReason)
	}
	if guardResult.SizeAdjusted {
		intent.Size = guardResult.AdjustedSize
	}

	// 3. Allowlist.
	if r.allowlist != nil && !r.allowlist.ActiveForSymbolBot(intent.Symbol, intent.Bot, now, r.allowlistMaxAge) {
		return r.rejectIntent(intent, now, "symbol/bot not in active allowlist")
	}

	// 4. Record intent in ledger; emit event.
	r.appendLedger(ledger.Entry{
		Timestamp: now, Type: ledger.EntryIntent, IntentID: intent.IntentID, Symbol: intent.Symbol,
		Details: map[string]any{"side": intent.Side, "size": intent.Size.String()},
	})
	r.publish(eventbus.EventTypeIntentCreated, map[string]any{"intent_id": intent.IntentID, "symbol": intent.Symbol})

	// 5. Kill switch.
	if r.killSwitch != nil && r.killSwitch.Active() {
		return r.rejectIntent(intent, now, "kill switch is active")
	}

	// 6. Refresh balance if stale.
	r.maybeRefreshBalance(ctx, now)

	// 7. Risk engine.
	r.mu.Lock()
	balance := r.state.Balance
	todayPnL := r.state.RealizedPnLToday
	openCount := r.state.OpenPositionCount
	r.mu.Unlock()

	exposure := risk.ExposureInput{}
	if r.getMidPrice != nil {
		if mid, ok := r.getMidPrice(intent.Symbol); ok {
			exposure.MidPrice = &mid
			exposure.ExistingNotional = r.existingNotional(intent.Symbol, mid)
		}
	}

	decision, err := r.riskEngine.Evaluate(intent, openCount, balance, todayPnL, exposure, now)
	if err != nil {
		return r.rejectIntent(intent, now, err.Error())
	}
	if !decision.Allowed {
		return r.rejectIntent(intent, now, decision.RejectionReason)
	}
	intent.Size = decision.AdjustedSize

	dealReference := uuid.New().String()
	tracker := types.NewOrderTracker(intent.IntentID, dealReference, now)

	r.mu.Lock()
	demoArmEnabled := r.state.DemoArmEnabled
	armed := r.state.Armed
	connected := r.state.Connected
	r.orders[dealReference] = tracker
	r.mu.Unlock()

	// 8. DEMO without demo-arm: intent-only.
	if mode == types.TradingModeDemo && !demoArmEnabled {
		return RouteResult{Accepted: true, Status: types.OrderStatePending, DealReference: dealReference, Tracker: tracker}, nil
	}

	// 9. Not armed: intent-only.
	if !armed {
		return RouteResult{Accepted: true, Status: types.OrderStatePending, DealReference: dealReference, Tracker: tracker}, nil
	}

	// 10. Not connected: reject.
	if !connected {
		return r.rejectIntent(intent, now, "not connected to broker")
	}

	// 11. Submit to broker.
	return r.submit(ctx, intent, tracker, dealReference, now)
}

func (r *Router) submit(ctx context.Context, intent types.OrderIntent, tracker *types.OrderTracker, dealReference string, now time.Time) (RouteResult, error) {
	direction := sideToDirection(intent.Side)
	tracker.Transition(types.OrderStateSubmitted, now, "")
	r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntrySubmission, IntentID: intent.IntentID, DealReference: dealReference, Symbol: intent.Symbol})
	r.publish(eventbus.EventTypeOrderSubmitted, map[string]any{"deal_reference": dealReference, "symbol": intent.Symbol})

	result, err := r.adapter.PlaceMarketOrder(ctx, intent.Epic, direction, intent.Size, intent.StopLoss, intent.TakeProfit, dealReference)
	if err != nil {
		tracker.Transition(types.OrderStateRejected, now, err.Error())
		r.guard.RecordOrderError(now)
		r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntryError, IntentID: intent.IntentID, DealReference: dealReference, Details: map[string]any{"error": err.Error()}})
		r.publish(eventbus.EventTypeOrderRejected, map[string]any{"deal_reference": dealReference, "reason": err.Error()})
		return RouteResult{Accepted: false, Status: types.OrderStateRejected, RejectionReason: err.Error(), DealReference: dealReference, Tracker: tracker}, nil
	}

	switch result.Status {
	case broker.DealStatusAccepted:
		tracker.Transition(types.OrderStateFilled, now, result.Reason)
		r.riskEngine.RecordTrade(now)
		r.guard.RecordOrderSuccess()
		r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntryAck, IntentID: intent.IntentID, DealReference: dealReference, Details: map[string]any{"deal_id": result.DealID}})
		r.publish(eventbus.EventTypeOrderFilled, map[string]any{"deal_reference": dealReference, "deal_id": result.DealID})
		r.onFill(ctx, now)
	case broker.DealStatusRejected:
		tracker.Transition(types.OrderStateRejected, now, result.Reason)
		r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntryRejection, IntentID: intent.IntentID, DealReference: dealReference, Details: map[string]any{"reason": result.Reason}})
		r.publish(eventbus.EventTypeOrderRejected, map[string]any{"deal_reference": dealReference, "reason": result.Reason})
	default:
		tracker.Transition(types.OrderStateAcknowledged, now, result.Reason)
		r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntryAck, IntentID: intent.IntentID, DealReference: dealReference})
		r.publish(eventbus.EventTypeOrderAcknowledged, map[string]any{"deal_reference": dealReference})
	}

	return RouteResult{Accepted: true, Status: tracker.Status, DealReference: dealReference, Tracker: tracker}, nil
}

// ClosePosition sends a close order for dealID, opposite to its
// recorded side. size, if non-nil, requests a partial close.
func (r *Router) ClosePosition(ctx context.Context, dealID string, size *decimal.Decimal, now time.Time) (broker.OrderResult, error) {
	r.mu.Lock()
	pos, ok := r.positions[dealID]
	r.mu.Unlock()
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("router: unknown position %q", dealID)
	}

	closeSize := pos.Size
	if size != nil {
		closeSize = *size
	}
	direction := opposite(pos.Side)

	result, err := r.adapter.ClosePosition(ctx, dealID, direction, closeSize)
	if err != nil {
		r.guard.RecordOrderError(now)
		return broker.OrderResult{}, err
	}
	return result, nil
}

func (r *Router) onFill(ctx context.Context, now time.Time) {
	r.mu.Lock()
	r.fillsSinceBalanceRefresh++
	due := r.fillsSinceBalanceRefresh >= 10
	if due {
		r.fillsSinceBalanceRefresh = 0
	}
	r.mu.Unlock()

	if due {
		r.refreshBalanceNow(ctx, now)
	}
}

func (r *Router) maybeRefreshBalance(ctx context.Context, now time.Time) {
	r.mu.Lock()
	stale := now.Sub(r.state.BalanceRefreshedAt) > r.balanceStaleAfter
	r.mu.Unlock()
	if stale {
		r.refreshBalanceNow(ctx, now)
	}
}

func (r *Router) refreshBalanceNow(ctx context.Context, now time.Time) {
	if r.refreshBalance == nil {
		return
	}
	balance, err := r.refreshBalance(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("router: balance refresh failed", zap.Error(err))
		}
		return
	}
	r.mu.Lock()
	r.state.Balance = balance
	r.state.BalanceRefreshedAt = now
	r.mu.Unlock()
}

func (r *Router) existingNotional(symbol string, mid decimal.Decimal) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, p := range r.positions {
		if p.Symbol == symbol {
			total = total.Add(p.Size.Mul(mid))
		}
	}
	return total
}

func (r *Router) rejectIntent(intent types.OrderIntent, now time.Time, reason string) (RouteResult, error) {
	r.appendLedger(ledger.Entry{Timestamp: now, Type: ledger.EntryRejection, IntentID: intent.IntentID, Symbol: intent.Symbol, Details: map[string]any{"reason": reason}})
	r.publish(eventbus.EventTypeOrderRejected, map[string]any{"intent_id": intent.IntentID, "reason": reason})
	return RouteResult{Accepted: false, Status: types.OrderStateRejected, RejectionReason: reason}, nil
}
