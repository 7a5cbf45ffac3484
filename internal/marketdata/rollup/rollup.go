// Package rollup resamples closed base-interval candles into higher
// intervals (e.g. 1m → 5m, 1h). State is updated in O(1) per base candle per
// interval; a rolled candle is emitted as soon as its last constituent
// bucket closes.
package rollup

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
)

// state is the forming candle for one (instrument, interval) pair.
type state struct {
	candle model.Candle
	// synthetic stays true while every constituent is synthetic.
	synthetic bool
}

// Builder is a model.CandleSink that rolls base candles up into each
// configured interval and forwards finished candles to out. It is safe for
// concurrent use.
type Builder struct {
	mu        sync.Mutex
	base      time.Duration
	intervals []time.Duration
	states    []map[string]*state // states[i][instrument]
	out       model.CandleSink

	// Metrics hooks (optional)
	OnRolledCandle func(c model.Candle)
	OnStaleCandle  func(instrument string)
}

// New creates a Builder for base candles of duration base. Every interval
// must be a whole multiple (≥ 2) of base.
func New(base time.Duration, intervals []time.Duration, out model.CandleSink) (*Builder, error) {
	if base <= 0 {
		return nil, fmt.Errorf("rollup: base interval %s must be positive", base)
	}
	for _, iv := range intervals {
		if iv <= base || iv%base != 0 {
			return nil, fmt.Errorf("rollup: interval %s is not a multiple of base %s", iv, base)
		}
	}
	states := make([]map[string]*state, len(intervals))
	for i := range states {
		states[i] = make(map[string]*state, 16)
	}
	return &Builder{
		base:      base,
		intervals: append([]time.Duration(nil), intervals...),
		states:    states,
		out:       out,
	}, nil
}

// Intervals returns the configured rollup intervals.
func (b *Builder) Intervals() []time.Duration {
	return append([]time.Duration(nil), b.intervals...)
}

// OnCandleClosed merges one closed base candle into every rollup interval.
// Candles of another interval are ignored.
func (b *Builder) OnCandleClosed(c model.Candle) {
	if c.Interval != b.base {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, iv := range b.intervals {
		bucket := c.BucketStart.UTC().Truncate(iv)
		st, exists := b.states[i][c.Instrument]

		if exists && bucket.Before(st.candle.BucketStart) {
			// Late base candle for an already rolled bucket.
			if b.OnStaleCandle != nil {
				b.OnStaleCandle(c.Instrument)
			}
			continue
		}
		if exists && bucket.After(st.candle.BucketStart) {
			b.finish(i, st)
			exists = false
		}

		if !exists {
			st = &state{
				candle: model.Candle{
					Instrument:  c.Instrument,
					Interval:    iv,
					BucketStart: bucket,
					Open:        c.Open,
					High:        c.High,
					Low:         c.Low,
					Close:       c.Close,
					Volume:      c.Volume,
					Ticks:       c.Ticks,
				},
				synthetic: c.IsSynthetic,
			}
			b.states[i][c.Instrument] = st
		} else {
			fc := &st.candle
			fc.High = decimal.Max(fc.High, c.High)
			fc.Low = decimal.Min(fc.Low, c.Low)
			fc.Close = c.Close
			fc.Volume = fc.Volume.Add(c.Volume)
			fc.Ticks += c.Ticks
			st.synthetic = st.synthetic && c.IsSynthetic
		}

		if !c.BucketEnd().Before(st.candle.BucketEnd()) {
			b.finish(i, st)
		}
	}
}

// Flush emits every forming rolled candle. Their buckets are incomplete, so
// they are marked synthetic.
func (b *Builder) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.intervals {
		for _, st := range b.states[i] {
			st.synthetic = true
			b.finish(i, st)
		}
	}
}

// finish emits st and removes it. Caller holds b.mu.
func (b *Builder) finish(i int, st *state) {
	c := st.candle
	c.IsSynthetic = st.synthetic
	delete(b.states[i], c.Instrument)
	if b.out != nil {
		b.out.OnCandleClosed(c)
	}
	if b.OnRolledCandle != nil {
		b.OnRolledCandle(c)
	}
}
