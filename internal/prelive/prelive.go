// Package prelive runs the readiness checklist gating LIVE arming
// (spec.md §4.21), grounded on the teacher's
// internal/execution/risk_manager.go RiskCheckResult idiom (a result
// struct carrying a pass/fail plus itemized detail) but restructured
// into a sequenced, named checklist rather than one risk verdict.
package prelive

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// HistoricalStore is the narrow capability check (a) needs.
type HistoricalStore interface {
	HasM1Data(ctx context.Context) (bool, error)
}

// CheckResult is one checklist item's outcome.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
}

// Result is the full checklist outcome.
type Result struct {
	Checks    []CheckResult
	Passed    bool
	CheckedAt time.Time
}

// Checker runs the five-item prelive checklist.
type Checker struct {
	store      HistoricalStore
	adapter    broker.Adapter
	riskEngine *risk.Engine
	bus        *eventbus.EventBus
	runID      string

	probeEpic   string
	probeSymbol string
}

// New constructs a Checker. probeSymbol/probeEpic are used for the
// data-freshness and quote-fetch checks.
func New(store HistoricalStore, adapter broker.Adapter, riskEngine *risk.Engine, bus *eventbus.EventBus, runID, probeSymbol, probeEpic string) *Checker {
	return &Checker{
		store: store, adapter: adapter, riskEngine: riskEngine, bus: bus, runID: runID,
		probeSymbol: probeSymbol, probeEpic: probeEpic,
	}
}

// Run executes every checklist item and returns the aggregate result.
// Every check runs regardless of earlier failures, so operators see
// the full picture rather than the first blocker only. On full success
// it publishes a HEARTBEAT event carrying prelive_passed for the
// trading-gates clock.
func (c *Checker) Run(ctx context.Context, mode types.TradingMode, now time.Time) Result {
	checks := []CheckResult{
		c.checkHistoricalData(ctx),
		c.checkQuoteFetchable(ctx),
		c.checkMode(mode),
		c.checkRiskEngine(now),
		c.checkBrokerCredentials(ctx),
	}

	passed := true
	for _, check := range checks {
		if !check.Passed {
			passed = false
			break
		}
	}

	result := Result{Checks: checks, Passed: passed, CheckedAt: now}
	if passed && c.bus != nil {
		c.bus.Publish(eventbus.New(eventbus.EventTypeHeartbeat, c.runID, map[string]any{
			"prelive_passed": true, "checked_at": now,
		}))
	}
	return result
}

func (c *Checker) checkHistoricalData(ctx context.Context) CheckResult {
	const name = "historical_store_readable"
	if c.store == nil {
		return CheckResult{Name: name, Passed: false, Message: "no historical store configured"}
	}
	ok, err := c.store.HasM1Data(ctx)
	if err != nil {
		return CheckResult{Name: name, Passed: false, Message: fmt.Sprintf("historical store error: %v", err)}
	}
	if !ok {
		return CheckResult{Name: name, Passed: false, Message: "no symbol has M1 bars stored"}
	}
	return CheckResult{Name: name, Passed: true, Message: "at least one symbol has M1 bars"}
}

func (c *Checker) checkQuoteFetchable(ctx context.Context) CheckResult {
	const name = "quote_fetchable"
	details, err := c.adapter.GetMarketDetails(ctx, c.probeEpic)
	if err != nil {
		return CheckResult{Name: name, Passed: false, Message: fmt.Sprintf("quote fetch failed: %v", err)}
	}
	if details.Bid.IsZero() && details.Ask.IsZero() {
		return CheckResult{Name: name, Passed: false, Message: "quote fetch returned no price"}
	}
	return CheckResult{Name: name, Passed: true, Message: fmt.Sprintf("fetched quote for %s", c.probeSymbol)}
}

func (c *Checker) checkMode(mode types.TradingMode) CheckResult {
	const name = "mode_is_demo"
	if mode != types.TradingModeDemo {
		return CheckResult{Name: name, Passed: false, Message: fmt.Sprintf("mode is %s, not DEMO", mode)}
	}
	return CheckResult{Name: name, Passed: true, Message: "mode is DEMO"}
}

func (c *Checker) checkRiskEngine(now time.Time) CheckResult {
	const name = "risk_engine_sane"
	balance := decimal.NewFromInt(10000)

	validSL := decimal.NewFromFloat(1.0950)
	probeMid := decimal.NewFromFloat(1.1000) // nominal price for the exposure check
	exposure := risk.ExposureInput{MidPrice: &probeMid}
	validIntent := types.OrderIntent{
		IntentID: "prelive-valid", Symbol: c.probeSymbol, Side: types.SideBuy,
		Size: decimal.NewFromFloat(0.1), StopLoss: &validSL, OrderType: types.OrderTypeMarket,
	}
	decision, err := c.riskEngine.Evaluate(validIntent, 0, balance, decimal.Zero, exposure, now)
	if err != nil || !decision.Allowed {
		return CheckResult{Name: name, Passed: false, Message: "risk engine rejected a valid intent"}
	}

	oversizedIntent := validIntent
	oversizedIntent.IntentID = "prelive-oversized"
	oversizedIntent.Size = balance.Mul(decimal.NewFromInt(1000))
	decision, err = c.riskEngine.Evaluate(oversizedIntent, 0, balance, decimal.Zero, exposure, now)
	if err == nil && decision.Allowed && decision.AdjustedSize.Equal(oversizedIntent.Size) {
		return CheckResult{Name: name, Passed: false, Message: "risk engine did not cap an oversized intent"}
	}

	return CheckResult{Name: name, Passed: true, Message: "risk engine accepts valid and caps oversized intents"}
}

func (c *Checker) checkBrokerCredentials(ctx context.Context) CheckResult {
	const name = "broker_credentials_authenticate"
	if err := c.adapter.VerifySession(ctx); err != nil {
		return CheckResult{Name: name, Passed: false, Message: fmt.Sprintf("broker session verification failed: %v", err)}
	}
	return CheckResult{Name: name, Passed: true, Message: "broker session verified"}
}
