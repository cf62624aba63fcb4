package marketdata

import (
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublisherDeliversFirstQuoteImmediately(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), 16)
	var received int
	bus.Subscribe(eventbus.EventTypeQuoteReceived, func(ev eventbus.Event) { received++ })

	p := NewPublisher(bus, "run", 5)
	p.PublishQuote(Quote{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1002), Timestamp: time.Now()})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, received)
}

func TestPublisherThrottlesWithinInterval(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), 16)
	var received int
	bus.Subscribe(eventbus.EventTypeQuoteReceived, func(ev eventbus.Event) { received++ })

	p := NewPublisher(bus, "run", 5) // 200ms min interval
	q := Quote{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1002), Timestamp: time.Now()}
	p.PublishQuote(q)
	p.PublishQuote(q)
	p.PublishQuote(q)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, received, "rapid quotes within the interval should collapse to one delivery plus a pending flush")

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, received, "the pending quote should flush once the interval lapses")
}

func TestPublisherNeverThrottlesBars(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), 16)
	var received int
	bus.Subscribe(eventbus.EventTypeBarReceived, func(ev eventbus.Event) { received++ })

	p := NewPublisher(bus, "run", 5)
	bar := types.Bar{Symbol: "EURUSD", Timeframe: types.TimeframeM1, Timestamp: time.Now()}
	for i := 0; i < 5; i++ {
		p.PublishBar(bar)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, received)
}
