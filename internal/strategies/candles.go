package strategies

import (
	"time"

	"bracketbot.com/internal/model"
)

// CandleBuilder aggregates ticks into fixed-interval bars. Only closed bars are exposed to
// deciders, so no signal is ever taken on a partially formed bar.
type CandleBuilder struct {
	interval time.Duration
	max      int
	current  *model.Candle
	closed   []model.Candle
}

// NewCandleBuilder keeps at most max closed bars.
func NewCandleBuilder(interval time.Duration, max int) *CandleBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	if max <= 0 {
		max = 500
	}
	return &CandleBuilder{interval: interval, max: max}
}

// Add folds a tick into the current bar. It reports whether the tick closed a bar.
// Ticks older than the current bar are folded into it.
func (b *CandleBuilder) Add(t model.Tick) bool {
	price := t.LastPrice
	if price <= 0 {
		price = t.MarkPrice
	}
	if price <= 0 {
		return false
	}
	start := t.Timestamp.Truncate(b.interval)

	if b.current == nil {
		b.current = newCandle(start, price)
		return false
	}
	if start.After(b.current.Start) {
		done := *b.current
		done.Closed = true
		b.closed = append(b.closed, done)
		if len(b.closed) > b.max {
			b.closed = b.closed[len(b.closed)-b.max:]
		}
		b.current = newCandle(start, price)
		return true
	}

	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Ticks++
	return false
}

func newCandle(start time.Time, price float64) *model.Candle {
	return &model.Candle{Start: start, Open: price, High: price, Low: price, Close: price, Ticks: 1}
}

// Closed returns a copy of the closed bars, oldest first.
func (b *CandleBuilder) Closed() []model.Candle {
	out := make([]model.Candle, len(b.closed))
	copy(out, b.closed)
	return out
}

// Len is the number of closed bars.
func (b *CandleBuilder) Len() int { return len(b.closed) }

// Last returns the most recent closed bar.
func (b *CandleBuilder) Last() (model.Candle, bool) {
	if len(b.closed) == 0 {
		return model.Candle{}, false
	}
	return b.closed[len(b.closed)-1], true
}
