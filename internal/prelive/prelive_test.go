package prelive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

type fakeStore struct {
	has bool
	err error
}

func (f fakeStore) HasM1Data(ctx context.Context) (bool, error) { return f.has, f.err }

type fakeAdapter struct {
	verifyErr      error
	marketDetails  broker.MarketDetails
	marketErr      error
}

func (f *fakeAdapter) VerifySession(ctx context.Context) error { return f.verifyErr }
func (f *fakeAdapter) ListAccounts(ctx context.Context) ([]broker.Account, error) { return nil, nil }
func (f *fakeAdapter) ListPositions(ctx context.Context) ([]broker.PositionView, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error { return nil }
func (f *fakeAdapter) GetMarketDetails(ctx context.Context, epic string) (broker.MarketDetails, error) {
	return f.marketDetails, f.marketErr
}

func passingRiskEngine() *risk.Engine {
	return risk.New(zap.NewNop(), risk.Limits{
		MaxPositionSize:        decimal.NewFromInt(1),
		MaxConcurrentPositions: 10,
		MaxDailyLossPct:        decimal.NewFromInt(100),
		MaxTradesPerHour:       1000,
	})
}

func TestRunAllChecksPassReturnsOverallPass(t *testing.T) {
	store := fakeStore{has: true}
	adapter := &fakeAdapter{marketDetails: broker.MarketDetails{Bid: decimal.NewFromFloat(1.1000), Ask: decimal.NewFromFloat(1.1002)}}
	bus := eventbus.NewBus(zap.NewNop(), 16)
	c := New(store, adapter, passingRiskEngine(), bus, "run1", "EURUSD", "CS.D.EURUSD.CFD.IP")

	result := c.Run(context.Background(), types.TradingModeDemo, time.Now())
	assert.True(t, result.Passed)
	assert.Len(t, result.Checks, 5)
	for _, check := range result.Checks {
		assert.True(t, check.Passed, check.Name)
	}
}

func TestRunFailsWhenNoHistoricalData(t *testing.T) {
	store := fakeStore{has: false}
	adapter := &fakeAdapter{marketDetails: broker.MarketDetails{Bid: decimal.NewFromFloat(1.1000), Ask: decimal.NewFromFloat(1.1002)}}
	c := New(store, adapter, passingRiskEngine(), nil, "run1", "EURUSD", "CS.D.EURUSD.CFD.IP")

	result := c.Run(context.Background(), types.TradingModeDemo, time.Now())
	assert.False(t, result.Passed)
	assert.False(t, result.Checks[0].Passed)
}

func TestRunFailsWhenModeIsLive(t *testing.T) {
	store := fakeStore{has: true}
	adapter := &fakeAdapter{marketDetails: broker.MarketDetails{Bid: decimal.NewFromFloat(1.1000), Ask: decimal.NewFromFloat(1.1002)}}
	c := New(store, adapter, passingRiskEngine(), nil, "run1", "EURUSD", "CS.D.EURUSD.CFD.IP")

	result := c.Run(context.Background(), types.TradingModeLive, time.Now())
	assert.False(t, result.Passed)
}

func TestRunFailsWhenBrokerCredentialsInvalid(t *testing.T) {
	store := fakeStore{has: true}
	adapter := &fakeAdapter{
		marketDetails: broker.MarketDetails{Bid: decimal.NewFromFloat(1.1000), Ask: decimal.NewFromFloat(1.1002)},
		verifyErr:     errors.New("401 unauthorized"),
	}
	c := New(store, adapter, passingRiskEngine(), nil, "run1", "EURUSD", "CS.D.EURUSD.CFD.IP")

	result := c.Run(context.Background(), types.TradingModeDemo, time.Now())
	assert.False(t, result.Passed)
}

func TestRunRunsEveryCheckEvenAfterAnEarlyFailure(t *testing.T) {
	store := fakeStore{has: false}
	adapter := &fakeAdapter{marketErr: errors.New("timeout")}
	c := New(store, adapter, passingRiskEngine(), nil, "run1", "EURUSD", "CS.D.EURUSD.CFD.IP")

	result := c.Run(context.Background(), types.TradingModeDemo, time.Now())
	assert.Len(t, result.Checks, 5, "every check should run regardless of earlier failures")
}
