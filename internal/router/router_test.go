package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/config"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/gates"
	"github.com/atlas-desktop/forex-engine/internal/killswitch"
	"github.com/atlas-desktop/forex-engine/internal/ledger"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/safety"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	placeResult broker.OrderResult
	placeErr    error
}

func (f *fakeAdapter) VerifySession(ctx context.Context) error { return nil }
func (f *fakeAdapter) ListAccounts(ctx context.Context) ([]broker.Account, error) { return nil, nil }
func (f *fakeAdapter) ListPositions(ctx context.Context) ([]broker.PositionView, error) { return nil, nil }
func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (broker.OrderResult, error) {
	return f.placeResult, f.placeErr
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.DealStatusAccepted, DealID: dealID}, nil
}
func (f *fakeAdapter) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) { return nil, nil }
func (f *fakeAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error { return nil }
func (f *fakeAdapter) GetMarketDetails(ctx context.Context, epic string) (broker.MarketDetails, error) {
	return broker.MarketDetails{}, nil
}

func newTestRouter(t *testing.T, mode types.TradingMode, adapter broker.Adapter) *Router {
	dir := t.TempDir()
	l, err := ledger.New(zap.NewNop(), dir, "test-run", string(mode))
	require.NoError(t, err)

	cfg := &config.Config{Mode: config.ModeDemo, LiveConfirmationTTL: time.Minute, LivePreliveMaxAge: time.Hour}
	gate := gates.New(cfg)
	guard := safety.NewGuard(safety.NewIdempotencyGuard(time.Minute, 100), safety.NewCircuitBreaker(zap.NewNop(), 1000, time.Minute, time.Minute, nil), safety.SizeValidator{})
	riskEngine := risk.New(zap.NewNop(), risk.Limits{MaxPositionSize: decimal.NewFromInt(100), MaxConcurrentPositions: 10, MaxDailyLossPct: decimal.NewFromInt(100), MaxTradesPerHour: 1000})
	ks, err := killswitch.New(zap.NewNop(), filepath.Join(dir, "ks.json"), false, nil, nil, nil)
	require.NoError(t, err)
	bus := eventbus.NewBus(zap.NewNop(), 16)

	return New(Config{
		Logger: zap.NewNop(), Gate: gate, Guard: guard, RiskEngine: riskEngine, KillSwitch: ks,
		Ledger: l, Bus: bus, Adapter: adapter,
		RunID: "test-run", Mode: mode,
	})
}

func TestRouteIntentPendingWhenNotArmed(t *testing.T) {
	r := newTestRouter(t, types.TradingModeDemo, &fakeAdapter{})
	r.SetConnected(true)

	result, err := r.RouteIntent(context.Background(), types.OrderIntent{IntentID: "i1", Symbol: "EURUSD", Side: types.SideBuy, Size: decimal.NewFromInt(1)}, time.Now())
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.OrderStatePending, result.Status)
}

func TestRouteIntentSubmitsWhenArmedAndConnected(t *testing.T) {
	adapter := &fakeAdapter{placeResult: broker.OrderResult{Status: broker.DealStatusAccepted, DealID: "D1"}}
	r := newTestRouter(t, types.TradingModeDemo, adapter)
	r.SetConnected(true)
	require.NoError(t, r.Arm(true, time.Now()))
	r.mu.Lock()
	r.state.DemoArmEnabled = true
	r.mu.Unlock()

	result, err := r.RouteIntent(context.Background(), types.OrderIntent{IntentID: "i2", Symbol: "EURUSD", Side: types.SideBuy, Size: decimal.NewFromInt(1)}, time.Now())
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.OrderStateFilled, result.Status)
}

func TestRouteIntentRejectedWhenKillSwitchActive(t *testing.T) {
	r := newTestRouter(t, types.TradingModeDemo, &fakeAdapter{})
	r.SetConnected(true)
	_, err := r.killSwitch.Activate(context.Background(), "operator", "test", nil, time.Now())
	require.NoError(t, err)

	result, err := r.RouteIntent(context.Background(), types.OrderIntent{IntentID: "i3", Symbol: "EURUSD", Side: types.SideBuy, Size: decimal.NewFromInt(1)}, time.Now())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.RejectionReason, "kill switch")
}

func TestArmRequiresConnectionAndConfirmation(t *testing.T) {
	r := newTestRouter(t, types.TradingModeDemo, &fakeAdapter{})
	err := r.Arm(true, time.Now())
	assert.Error(t, err, "should fail while disconnected")

	r.SetConnected(true)
	err = r.Arm(false, time.Now())
	assert.Error(t, err, "should fail without confirmation")

	err = r.Arm(true, time.Now())
	assert.NoError(t, err)
}
