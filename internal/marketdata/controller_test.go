package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	mu  sync.Mutex
	bid decimal.Decimal
	ask decimal.Decimal
}

func (f *fakeAdapter) VerifySession(ctx context.Context) error { return nil }
func (f *fakeAdapter) ListAccounts(ctx context.Context) ([]broker.Account, error) { return nil, nil }
func (f *fakeAdapter) ListPositions(ctx context.Context) ([]broker.PositionView, error) { return nil, nil }
func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) { return nil, nil }
func (f *fakeAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error { return nil }
func (f *fakeAdapter) GetMarketDetails(ctx context.Context, epic string) (broker.MarketDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return broker.MarketDetails{Epic: epic, Bid: f.bid, Ask: f.ask}, nil
}

type failingDialer struct{ calls int }

func (d *failingDialer) Dial(ctx context.Context, subs map[string]string) (QuoteStream, error) {
	d.calls++
	return nil, errors.New("dial refused")
}

func TestControllerPollsWhenNoDialer(t *testing.T) {
	adapter := &fakeAdapter{bid: decimal.NewFromFloat(1.0998), ask: decimal.NewFromFloat(1.1002)}
	bus := eventbus.NewBus(zap.NewNop(), 16)
	c := New(zap.NewNop(), bus, adapter, nil, Config{PollInterval: 10 * time.Millisecond})
	c.Subscribe("EURUSD", "CS.D.EURUSD.CFD.IP")

	var mu sync.Mutex
	var quotes int
	c.SetOnQuote(func(q Quote) { mu.Lock(); quotes++; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, quotes, 0)
	assert.Equal(t, StateStopped, c.Status().State)
}

func TestControllerFallsBackToPollingOnDialFailure(t *testing.T) {
	adapter := &fakeAdapter{bid: decimal.NewFromFloat(1.0998), ask: decimal.NewFromFloat(1.1002)}
	dialer := &failingDialer{}
	bus := eventbus.NewBus(zap.NewNop(), 16)
	c := New(zap.NewNop(), bus, adapter, dialer, Config{
		PreferStream: true, PollInterval: 10 * time.Millisecond,
		MaxReconnectAttempts: 1, FailureWindow: time.Second,
	})
	c.Subscribe("EURUSD", "CS.D.EURUSD.CFD.IP")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, StatePolling, c.Status().State)
	c.Stop()
}

func TestControllerStatusReportsStale(t *testing.T) {
	adapter := &fakeAdapter{}
	bus := eventbus.NewBus(zap.NewNop(), 16)
	c := New(zap.NewNop(), bus, adapter, nil, Config{PollInterval: time.Hour, StaleAfter: time.Millisecond})
	c.Subscribe("EURUSD", "CS.D.EURUSD.CFD.IP")

	status := c.Status()
	require.Len(t, status.Symbols, 1)
	assert.True(t, status.Symbols[0].Stale, "never-quoted symbol should be reported stale")
}
