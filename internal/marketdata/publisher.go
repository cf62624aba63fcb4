package marketdata

import (
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// Publisher delivers quotes and bars to the event bus, throttling
// per-symbol quote delivery to at most one per min-interval while
// never throttling bars (spec.md §4.18).
type Publisher struct {
	mu sync.Mutex

	bus          *eventbus.EventBus
	runID        string
	minInterval  time.Duration
	lastSent     map[string]time.Time
	pending      map[string]Quote
	pendingTimer map[string]*time.Timer
}

// NewPublisher creates a publisher that delivers at most
// maxQuotesPerSec quotes per symbol per second.
func NewPublisher(bus *eventbus.EventBus, runID string, maxQuotesPerSec int) *Publisher {
	if maxQuotesPerSec <= 0 {
		maxQuotesPerSec = 5
	}
	return &Publisher{
		bus:          bus,
		runID:        runID,
		minInterval:  time.Second / time.Duration(maxQuotesPerSec),
		lastSent:     make(map[string]time.Time),
		pending:      make(map[string]Quote),
		pendingTimer: make(map[string]*time.Timer),
	}
}

// PublishQuote delivers q immediately if the per-symbol min-interval
// has elapsed; otherwise it replaces any already-pending quote for
// that symbol (last-write-wins) and schedules delivery once the
// interval lapses.
func (p *Publisher) PublishQuote(q Quote) {
	now := time.Now().UTC()

	p.mu.Lock()
	last, ok := p.lastSent[q.Symbol]
	if !ok || now.Sub(last) >= p.minInterval {
		p.lastSent[q.Symbol] = now
		p.mu.Unlock()
		p.deliverQuote(q)
		return
	}

	p.pending[q.Symbol] = q
	if _, scheduled := p.pendingTimer[q.Symbol]; scheduled {
		p.mu.Unlock()
		return
	}
	wait := p.minInterval - now.Sub(last)
	p.pendingTimer[q.Symbol] = time.AfterFunc(wait, func() { p.flushPending(q.Symbol) })
	p.mu.Unlock()
}

func (p *Publisher) flushPending(symbol string) {
	p.mu.Lock()
	q, ok := p.pending[symbol]
	delete(p.pending, symbol)
	delete(p.pendingTimer, symbol)
	if !ok {
		p.mu.Unlock()
		return
	}
	p.lastSent[symbol] = time.Now().UTC()
	p.mu.Unlock()
	p.deliverQuote(q)
}

func (p *Publisher) deliverQuote(q Quote) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.New(eventbus.EventTypeQuoteReceived, p.runID, map[string]any{
		"symbol": q.Symbol, "bid": q.Bid, "ask": q.Ask, "mid": q.Mid(),
	}))
}

// PublishBar always delivers; bars are never throttled.
func (p *Publisher) PublishBar(bar types.Bar) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.New(eventbus.EventTypeBarReceived, p.runID, map[string]any{
		"symbol": bar.Symbol, "timeframe": string(bar.Timeframe), "close": bar.Close, "bar": bar,
	}))
}
