// Package marketdata supervises the streaming/polling market-data
// sources (spec.md §4.16), builds OHLCV bars from quotes (§4.17), and
// throttles quote delivery to subscribers (§4.18).
//
// Grounded on the teacher's internal/data/market_data.go: the
// WebSocket dial + read-loop + reconnect-monitor idiom there is
// generalized behind a Dialer/QuoteStream interface so the same
// supervisor shape drives both a push-protocol stream and a REST poll
// loop, with the state machine and stale/backfill semantics the
// specification adds on top.
package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quote is a single L1 price update.
type Quote struct {
	Symbol    string
	Epic      string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Mid returns the midpoint of bid/ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// QuoteStream is an open streaming connection yielding quotes.
type QuoteStream interface {
	Next() (Quote, error)
	Close() error
}

// Dialer opens a QuoteStream for the given symbol->epic subscriptions.
// A nil Dialer disables streaming entirely; the controller polls only.
type Dialer interface {
	Dial(ctx context.Context, subscriptions map[string]string) (QuoteStream, error)
}

// State is a controller lifecycle state.
type State string

const (
	StateStopped     State = "STOPPED"
	StateStarting    State = "STARTING"
	StateStreaming   State = "STREAMING"
	StatePolling     State = "POLLING"
	StateFallingBack State = "FALLING_BACK"
	StateRecovering  State = "RECOVERING"
)

// Config configures the controller's reconnect/fallback/promotion
// behavior and cadence (spec.md §4.16 tunables).
type Config struct {
	PreferStream        bool
	PollInterval        time.Duration
	MaxStreamFailures    int
	FailureWindow        time.Duration
	PromoteStableWindow  time.Duration
	StaleAfter           time.Duration
	MaxReconnectAttempts int
	RunID                string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxStreamFailures <= 0 {
		c.MaxStreamFailures = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.PromoteStableWindow <= 0 {
		c.PromoteStableWindow = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 6
	}
	return c
}

// SymbolStatus reports the freshness of one subscribed symbol.
type SymbolStatus struct {
	Symbol      string
	LastQuoteAt time.Time
	Stale       bool
}

// Status is the controller's externally-visible snapshot.
type Status struct {
	State   State
	Symbols []SymbolStatus
}

// Controller supervises the active market-data source and drives the
// STOPPED -> STARTING -> STREAMING|POLLING state machine, including
// sliding-window failure counting, fallback, and promotion back to
// streaming.
type Controller struct {
	mu sync.Mutex

	logger  *zap.Logger
	bus     *eventbus.EventBus
	adapter broker.Adapter
	dialer  Dialer
	cfg     Config

	onQuote  func(Quote)
	backfill func(ctx context.Context, symbol string, minutes int)

	state         State
	subscriptions map[string]string // symbol -> epic
	lastQuoteAt   map[string]time.Time
	failures      []time.Time
	pollingSince  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. adapter is used for REST polling;
// dialer, if non-nil, is used to establish the streaming source.
func New(logger *zap.Logger, bus *eventbus.EventBus, adapter broker.Adapter, dialer Dialer, cfg Config) *Controller {
	return &Controller{
		logger:        logger,
		bus:           bus,
		adapter:       adapter,
		dialer:        dialer,
		cfg:           cfg.withDefaults(),
		state:         StateStopped,
		subscriptions: make(map[string]string),
		lastQuoteAt:   make(map[string]time.Time),
	}
}

// SetOnQuote registers the callback invoked for every delivered quote
// (typically the bar builder and the publisher).
func (c *Controller) SetOnQuote(fn func(Quote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQuote = fn
}

// SetBackfill registers the callback invoked to backfill recent bars
// on fallback or recovery. Not blocking for the controller's own loop.
func (c *Controller) SetBackfill(fn func(ctx context.Context, symbol string, minutes int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backfill = fn
}

// Subscribe adds a symbol to the active subscription set.
func (c *Controller) Subscribe(symbol, epic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[symbol] = epic
}

// Unsubscribe removes one symbol.
func (c *Controller) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, symbol)
	delete(c.lastQuoteAt, symbol)
}

// UnsubscribeAll clears every subscription.
func (c *Controller) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]string)
	c.lastQuoteAt = make(map[string]time.Time)
}

// Start begins the controller's background loop.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStarting
	ctx, c.cancel = context.WithCancel(ctx)
	preferStream := c.cfg.PreferStream && c.dialer != nil
	c.mu.Unlock()

	c.wg.Add(1)
	if preferStream {
		go c.runStream(ctx)
	} else {
		c.mu.Lock()
		c.state = StatePolling
		c.pollingSince = time.Now().UTC()
		c.mu.Unlock()
		go c.runPoll(ctx)
	}
}

// Stop halts the controller and waits for its goroutine to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// Status returns the controller's current snapshot, computing
// staleness relative to now for every subscribed symbol.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	symbols := make([]SymbolStatus, 0, len(c.subscriptions))
	for sym := range c.subscriptions {
		at := c.lastQuoteAt[sym]
		symbols = append(symbols, SymbolStatus{
			Symbol:      sym,
			LastQuoteAt: at,
			Stale:       at.IsZero() || now.Sub(at) > c.cfg.StaleAfter,
		})
	}
	return Status{State: c.state, Symbols: symbols}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) subscriptionsCopy() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.subscriptions))
	for k, v := range c.subscriptions {
		out[k] = v
	}
	return out
}

func (c *Controller) deliver(q Quote) {
	c.mu.Lock()
	c.lastQuoteAt[q.Symbol] = q.Timestamp
	onQuote := c.onQuote
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(eventbus.New(eventbus.EventTypeQuoteReceived, c.cfg.RunID, map[string]any{
			"symbol": q.Symbol, "bid": q.Bid, "ask": q.Ask,
		}))
	}
	if onQuote != nil {
		onQuote(q)
	}
}

func (c *Controller) triggerBackfill(ctx context.Context, minutes int) {
	c.mu.Lock()
	backfill := c.backfill
	subs := make(map[string]string, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	c.mu.Unlock()

	if backfill == nil {
		return
	}
	for symbol := range subs {
		go backfill(ctx, symbol, minutes)
	}
}

// runStream drives the streaming source: dial, read loop, sliding
// window failure counting, and fallback to polling past the threshold
// (spec.md §4.16).
func (c *Controller) runStream(ctx context.Context) {
	defer c.wg.Done()

	stream, err := c.connectWithBackoff(ctx)
	if err != nil {
		c.fallbackToPolling(ctx)
		c.runPollLoop(ctx)
		return
	}
	c.setState(StateStreaming)
	c.streamLoop(ctx, stream)
}

// connectWithBackoff dials with exponential backoff 1s -> 60s plus up
// to 10% jitter, giving up after MaxReconnectAttempts.
func (c *Controller) connectWithBackoff(ctx context.Context) (QuoteStream, error) {
	delay := time.Second
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		stream, err := c.dialer.Dial(ctx, c.subscriptionsCopy())
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if c.logger != nil {
			c.logger.Warn("market data stream dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if attempt == c.cfg.MaxReconnectAttempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 10 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
	return nil, lastErr
}

func (c *Controller) recordFailure(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, at)
	cutoff := at.Add(-c.cfg.FailureWindow)
	kept := c.failures[:0]
	for _, f := range c.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	c.failures = kept
}

func (c *Controller) failuresExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures) >= c.cfg.MaxStreamFailures
}

func (c *Controller) fallbackToPolling(ctx context.Context) {
	c.setState(StateFallingBack)
	if c.logger != nil {
		c.logger.Warn("market data falling back to polling")
	}
	c.triggerBackfill(ctx, 60)
	c.mu.Lock()
	c.pollingSince = time.Now().UTC()
	c.failures = nil
	c.mu.Unlock()
	c.setState(StatePolling)
}

// runPoll is the entry point used when streaming is disabled or never
// attempted.
func (c *Controller) runPoll(ctx context.Context) {
	defer c.wg.Done()
	c.runPollLoop(ctx)
}

// runPollLoop is shared between the initial poll-only path and the
// post-fallback path (the latter's goroutine already counted in wg by
// runStream's caller).
func (c *Controller) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
			if c.shouldPromote() {
				if stream, ok := c.tryPromote(ctx); ok {
					c.streamLoop(ctx, stream)
					return
				}
			}
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context) {
	subs := c.subscriptionsCopy()
	for symbol, epic := range subs {
		details, err := c.adapter.GetMarketDetails(ctx, epic)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("market data poll failed", zap.String("symbol", symbol), zap.Error(err))
			}
			continue
		}
		c.deliver(Quote{Symbol: symbol, Epic: epic, Bid: details.Bid, Ask: details.Ask, Timestamp: time.Now().UTC()})
	}
}

func (c *Controller) shouldPromote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialer == nil || c.state != StatePolling {
		return false
	}
	return time.Since(c.pollingSince) >= c.cfg.PromoteStableWindow
}

// tryPromote attempts to recover the streaming source after a stable
// polling window; on failure it resets the stability clock and stays
// on polling. On success the caller must hand off to streamLoop so
// only one goroutine ever reads quotes at a time.
func (c *Controller) tryPromote(ctx context.Context) (QuoteStream, bool) {
	c.setState(StateRecovering)
	stream, err := c.dialer.Dial(ctx, c.subscriptionsCopy())
	if err != nil {
		c.mu.Lock()
		c.pollingSince = time.Now().UTC()
		c.mu.Unlock()
		c.setState(StatePolling)
		return nil, false
	}
	c.triggerBackfill(ctx, 15)
	c.setState(StateStreaming)
	return stream, true
}

// streamLoop reads from an already-connected stream until it fails
// past the threshold or ctx is cancelled, then falls back to polling
// in the same goroutine (preserving the one-reader invariant).
func (c *Controller) streamLoop(ctx context.Context, stream QuoteStream) {
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		q, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordFailure(time.Now().UTC())
			if c.failuresExceeded() {
				stream.Close()
				c.fallbackToPolling(ctx)
				c.runPollLoop(ctx)
				return
			}
			continue
		}
		c.deliver(q)
	}
}
