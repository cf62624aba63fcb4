package marketdata

import (
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxM1Buffer bounds the per-symbol one-minute bar history kept for
// higher-timeframe derivation (spec.md §4.17: "~300 bars").
const maxM1Buffer = 300

// higherTimeframes are derived from the 1m buffer at their minute
// boundaries.
var higherTimeframes = []types.Timeframe{types.TimeframeM5, types.TimeframeM15, types.TimeframeH1, types.TimeframeH4}

type inProgressBar struct {
	start  time.Time
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	close  decimal.Decimal
	ticked bool
}

// BarBuilder accumulates quotes into UTC-minute-aligned OHLCV bars per
// symbol and derives higher timeframes from the 1-minute buffer
// (spec.md §4.17).
type BarBuilder struct {
	mu sync.Mutex

	logger *zap.Logger
	onBar  func(types.Bar)

	current   map[string]*inProgressBar
	buffers   map[string][]types.Bar // finalized 1m bars, bounded
	warnedVol map[string]bool
}

// NewBarBuilder creates an empty bar builder.
func NewBarBuilder(logger *zap.Logger) *BarBuilder {
	return &BarBuilder{
		logger:    logger,
		current:   make(map[string]*inProgressBar),
		buffers:   make(map[string][]types.Bar),
		warnedVol: make(map[string]bool),
	}
}

// SetOnBar registers the callback invoked whenever a bar (of any
// timeframe) finalizes.
func (b *BarBuilder) SetOnBar(fn func(types.Bar)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBar = fn
}

// OnQuote feeds one quote into the builder. Quote volume is always
// zero; the builder warns once per symbol rather than per tick.
func (b *BarBuilder) OnQuote(q Quote) {
	mid := q.Mid()
	barStart := q.Timestamp.UTC().Truncate(time.Minute)

	b.mu.Lock()
	if !b.warnedVol[q.Symbol] {
		b.warnedVol[q.Symbol] = true
		if b.logger != nil {
			b.logger.Warn("market data quotes carry no volume; bar volume will be zero", zap.String("symbol", q.Symbol))
		}
	}

	cur := b.current[q.Symbol]
	if cur == nil {
		b.current[q.Symbol] = &inProgressBar{start: barStart, open: mid, high: mid, low: mid, close: mid, ticked: true}
		b.mu.Unlock()
		return
	}

	if barStart.After(cur.start) {
		finished := b.finalizeLocked(q.Symbol, cur)
		b.current[q.Symbol] = &inProgressBar{start: barStart, open: mid, high: mid, low: mid, close: mid, ticked: true}
		b.mu.Unlock()
		b.emit(finished)
		return
	}

	cur.close = mid
	if mid.GreaterThan(cur.high) {
		cur.high = mid
	}
	if mid.LessThan(cur.low) {
		cur.low = mid
	}
	b.mu.Unlock()
}

// ForceFinalize closes an in-progress bar for symbol, if any, without
// waiting for the next tick to roll the minute over.
func (b *BarBuilder) ForceFinalize(symbol string) {
	b.mu.Lock()
	cur := b.current[symbol]
	if cur == nil {
		b.mu.Unlock()
		return
	}
	delete(b.current, symbol)
	finished := b.finalizeLocked(symbol, cur)
	b.mu.Unlock()
	b.emit(finished)
}

// finalizeLocked converts an in-progress bar to an immutable Bar,
// appends it to the bounded 1m buffer, and returns it for emission.
// Callers must hold b.mu and must not call emit while still holding it.
func (b *BarBuilder) finalizeLocked(symbol string, cur *inProgressBar) types.Bar {
	bar := types.Bar{
		Timestamp: cur.start,
		Symbol:    symbol,
		Timeframe: types.TimeframeM1,
		Open:      cur.open,
		High:      cur.high,
		Low:       cur.low,
		Close:     cur.close,
		Volume:    decimal.Zero,
	}
	buf := append(b.buffers[symbol], bar)
	if len(buf) > maxM1Buffer {
		buf = buf[len(buf)-maxM1Buffer:]
	}
	b.buffers[symbol] = buf
	return bar
}

func (b *BarBuilder) emit(bar types.Bar) {
	b.mu.Lock()
	onBar := b.onBar
	b.mu.Unlock()
	if onBar != nil {
		onBar(bar)
	}

	for _, tf := range higherTimeframes {
		if higher, ok := b.maybeAggregate(bar.Symbol, tf, bar.Timestamp); ok {
			if onBar != nil {
				onBar(higher)
			}
		}
	}
}

// maybeAggregate derives a higher-timeframe bar from the 1m buffer
// when the just-finalized bar's timestamp lands on that timeframe's
// boundary.
func (b *BarBuilder) maybeAggregate(symbol string, tf types.Timeframe, barStart time.Time) (types.Bar, bool) {
	n := int(tf.Duration() / time.Minute)

	windowEnd := barStart.Add(time.Minute)
	if !windowEnd.Equal(windowEnd.Truncate(tf.Duration())) {
		return types.Bar{}, false
	}

	b.mu.Lock()
	buf := b.buffers[symbol]
	if len(buf) < n {
		b.mu.Unlock()
		return types.Bar{}, false
	}
	window := append([]types.Bar(nil), buf[len(buf)-n:]...)
	b.mu.Unlock()

	return aggregate(symbol, tf, window), true
}

// aggregate combines N one-minute bars into a single higher-timeframe
// bar: first/max/min/last for O/H/L/C, sum for volume.
func aggregate(symbol string, tf types.Timeframe, window []types.Bar) types.Bar {
	out := types.Bar{
		Timestamp: window[0].Timestamp,
		Symbol:    symbol,
		Timeframe: tf,
		Open:      window[0].Open,
		High:      window[0].High,
		Low:       window[0].Low,
		Close:     window[len(window)-1].Close,
		Volume:    decimal.Zero,
	}
	for _, bar := range window {
		if bar.High.GreaterThan(out.High) {
			out.High = bar.High
		}
		if bar.Low.LessThan(out.Low) {
			out.Low = bar.Low
		}
		out.Volume = out.Volume.Add(bar.Volume)
	}
	return out
}
