package autopilot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/config"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/gates"
	"github.com/atlas-desktop/forex-engine/internal/killswitch"
	"github.com/atlas-desktop/forex-engine/internal/ledger"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/router"
	"github.com/atlas-desktop/forex-engine/internal/safety"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

type fakeAdapter struct{}

func (f *fakeAdapter) VerifySession(ctx context.Context) error { return nil }
func (f *fakeAdapter) ListAccounts(ctx context.Context) ([]broker.Account, error) { return nil, nil }
func (f *fakeAdapter) ListPositions(ctx context.Context) ([]broker.PositionView, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.DealStatusAccepted, DealID: "D1"}, nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.DealStatusAccepted, DealID: dealID}, nil
}
func (f *fakeAdapter) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error { return nil }
func (f *fakeAdapter) GetMarketDetails(ctx context.Context, epic string) (broker.MarketDetails, error) {
	return broker.MarketDetails{}, nil
}

func newHarness(t *testing.T) (*Autopilot, *router.Router, *allowlist.Allowlist) {
	dir := t.TempDir()
	l, err := ledger.New(zap.NewNop(), dir, "test-run", "DEMO")
	require.NoError(t, err)

	cfg := &config.Config{Mode: config.ModeDemo, LiveConfirmationTTL: time.Minute, LivePreliveMaxAge: time.Hour}
	gate := gates.New(cfg)
	guard := safety.NewGuard(safety.NewIdempotencyGuard(time.Minute, 100), safety.NewCircuitBreaker(zap.NewNop(), 1000, time.Minute, time.Minute, nil), safety.SizeValidator{})
	riskEngine := risk.New(zap.NewNop(), risk.Limits{MaxPositionSize: decimal.NewFromInt(100), MaxConcurrentPositions: 10, MaxDailyLossPct: decimal.NewFromInt(100), MaxTradesPerHour: 1000})
	ks, err := killswitch.New(zap.NewNop(), filepath.Join(dir, "ks.json"), false, nil, nil, nil)
	require.NoError(t, err)
	bus := eventbus.NewBus(zap.NewNop(), 16)

	allow, err := allowlist.New(zap.NewNop(), filepath.Join(dir, "allowlist.json"))
	require.NoError(t, err)

	rtr := router.New(router.Config{
		Logger: zap.NewNop(), Gate: gate, Guard: guard, RiskEngine: riskEngine, KillSwitch: ks,
		Allowlist: allow, Ledger: l, Bus: bus, Adapter: &fakeAdapter{},
		RunID: "test-run", Mode: types.TradingModeDemo,
	})
	rtr.SetConnected(true)
	require.NoError(t, rtr.Arm(true, time.Now()))

	registry := strategy.NewRegistry()
	ap := New(zap.NewNop(), bus, registry, rtr, allow, ks, "test-run", Config{
		DefaultSize:          decimal.NewFromFloat(0.1),
		PerComboCooldownBars: 1,
		RateLimitPerMinute:   10,
	})
	return ap, rtr, allow
}

func barAt(symbol string, tf types.Timeframe, t time.Time, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{Timestamp: t, Symbol: symbol, Timeframe: tf, Open: c, High: c, Low: c, Close: c, Volume: decimal.Zero}
}

func TestAutopilotDisabledWithEmptyAllowlist(t *testing.T) {
	ap, _, _ := newHarness(t)
	assert.False(t, ap.Enabled(time.Now()))
}

func TestAutopilotDisabledWhenKillSwitchActive(t *testing.T) {
	ap, _, allow := newHarness(t)
	require.NoError(t, allow.Upsert(types.AllowlistEntry{
		Symbol: "EURUSD", Bot: "momentum", Timeframe: types.TimeframeM1, Enabled: true, ValidatedAt: time.Now(),
	}))
	_, err := ap.killSwitch.Activate(context.Background(), "tester", "test", nil, time.Now())
	require.NoError(t, err)
	assert.False(t, ap.Enabled(time.Now()))
}

func TestAutopilotRoutesSignalOnceWarmedUp(t *testing.T) {
	ap, _, allow := newHarness(t)
	require.NoError(t, allow.Upsert(types.AllowlistEntry{
		Symbol: "EURUSD", Bot: "momentum", Timeframe: types.TimeframeM1, Enabled: true, ValidatedAt: time.Now(),
	}))

	now := time.Now()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	m := strategy.NewMomentum()
	for i := 0; i <= m.Warmup(); i++ {
		bar := barAt("EURUSD", types.TimeframeM1, base.Add(time.Duration(i)*time.Minute), 1.1000+float64(i)*0.0010)
		ap.OnBar(ctx, bar, now)
	}

	assert.Empty(t, ap.Errors())
	assert.Len(t, ap.rateLimit, 2, "bars 11 and 12 each produce a momentum BUY that passes the rate limit and is routed")
}

func TestAutopilotRateLimitBlocksExcessSignals(t *testing.T) {
	ap, _, _ := newHarness(t)
	ap.cfg.RateLimitPerMinute = 1
	now := time.Now()
	assert.True(t, ap.allowRate(now))
	assert.False(t, ap.allowRate(now))
}
