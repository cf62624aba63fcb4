// Package broker defines the consumed broker-adapter interface (live
// trading) and a deterministic broker simulator (backtesting).
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DealStatus is the broker's reported outcome for a submitted order.
type DealStatus string

const (
	DealStatusAccepted DealStatus = "ACCEPTED"
	DealStatusRejected DealStatus = "REJECTED"
	DealStatusPending  DealStatus = "PENDING"
)

// ErrorKind classifies a broker adapter failure for retry policy.
type ErrorKind string

const (
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindRateLimit ErrorKind = "rate-limit"
	ErrorKindAPI       ErrorKind = "api"
	ErrorKindTransport ErrorKind = "transport"
)

// AdapterError is a structured broker adapter failure.
type AdapterError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// String renders the error kind.
func (k ErrorKind) String() string { return string(k) }

// OrderResult is the broker's response to a submitted order.
type OrderResult struct {
	DealReference string
	DealID        string
	Status        DealStatus
	Reason        string
	Raw           any
}

// Account is broker account metadata.
type Account struct {
	AccountID        string
	IsLive           bool
	AvailableBalance decimal.Decimal
	Currency         string
}

// PositionView is the broker's canonical view of one open position.
type PositionView struct {
	DealID     string
	Epic       string
	Symbol     string
	Side       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	StopLevel  *decimal.Decimal
	LimitLevel *decimal.Decimal
}

// WorkingOrder is a resting (unfilled) order on the broker's books.
type WorkingOrder struct {
	DealID string
	Epic   string
	Side   string
	Size   decimal.Decimal
	Level  decimal.Decimal
}

// MarketDetails is instrument metadata used for dealing-rule validation.
type MarketDetails struct {
	Epic     string
	MinSize  decimal.Decimal
	MaxSize  decimal.Decimal
	SizeStep decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
}

// Mid returns the mid price implied by bid/ask.
func (m MarketDetails) Mid() decimal.Decimal {
	return m.Bid.Add(m.Ask).Div(decimal.NewFromInt(2))
}

// Adapter is the consumed interface to a broker's REST/streaming API.
// Callers never retry on their own (spec.md §9, "Retry control flow").
// IGAdapter retries only its session login over BackoffSchedule; its
// other calls re-login once on a 401 and otherwise return transport,
// rate-limit, and API errors after a single attempt.
type Adapter interface {
	VerifySession(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]Account, error)
	ListPositions(ctx context.Context) ([]PositionView, error)
	PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (OrderResult, error)
	ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (OrderResult, error)
	GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error)
	CancelWorkingOrder(ctx context.Context, dealID string) error
	GetMarketDetails(ctx context.Context, epic string) (MarketDetails, error)
}

// RateLimitConfig configures the adapter's token-bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig mirrors the configuration env defaults
// (IG_RATE_LIMIT_RPS / IG_RATE_LIMIT_BURST).
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 5, Burst: 10}
}

// BackoffSchedule returns maxAttempts bounded exponential backoff delays
// (250ms doubling, capped at 30s). IGAdapter.VerifySession is its only
// user; no other adapter call retries with it.
func BackoffSchedule(maxAttempts int) []time.Duration {
	delays := make([]time.Duration, 0, maxAttempts)
	d := 250 * time.Millisecond
	for i := 0; i < maxAttempts; i++ {
		delays = append(delays, d)
		d *= 2
		if d > 30*time.Second {
			d = 30 * time.Second
		}
	}
	return delays
}
