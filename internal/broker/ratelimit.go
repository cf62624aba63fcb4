package broker

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RateLimitedAdapter wraps an Adapter with a token-bucket limiter gating
// every outbound call, per spec.md §5 ("a token-bucket rate limiter
// gates calls (requests_per_second with a burst allowance)").
type RateLimitedAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
}

// NewRateLimitedAdapter wraps inner with a limiter configured from cfg.
func NewRateLimitedAdapter(inner Adapter, cfg RateLimitConfig) *RateLimitedAdapter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedAdapter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

func (a *RateLimitedAdapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &AdapterError{Kind: ErrorKindRateLimit, Message: "rate limiter wait", Cause: err}
	}
	return nil
}

func (a *RateLimitedAdapter) VerifySession(ctx context.Context) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.inner.VerifySession(ctx)
}

func (a *RateLimitedAdapter) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.inner.ListAccounts(ctx)
}

func (a *RateLimitedAdapter) ListPositions(ctx context.Context) ([]PositionView, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.inner.ListPositions(ctx)
}

func (a *RateLimitedAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (OrderResult, error) {
	if err := a.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return a.inner.PlaceMarketOrder(ctx, epic, direction, size, stopLevel, limitLevel, dealReference)
}

func (a *RateLimitedAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (OrderResult, error) {
	if err := a.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return a.inner.ClosePosition(ctx, dealID, direction, size)
}

func (a *RateLimitedAdapter) GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.inner.GetWorkingOrders(ctx)
}

func (a *RateLimitedAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.inner.CancelWorkingOrder(ctx, dealID)
}

func (a *RateLimitedAdapter) GetMarketDetails(ctx context.Context, epic string) (MarketDetails, error) {
	if err := a.wait(ctx); err != nil {
		return MarketDetails{}, err
	}
	return a.inner.GetMarketDetails(ctx, epic)
}

var _ Adapter = (*RateLimitedAdapter)(nil)
