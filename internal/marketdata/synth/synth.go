// Package synth aggregates ticks into fixed-duration OHLCV candles and fills
// every bucket that received no ticks with a flat synthetic candle, so that
// each instrument's closed-candle series is gap-free.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
)

// Config configures a Synthesizer.
type Config struct {
	Instruments []string

	// Interval is the bucket duration. Defaults to one minute.
	Interval time.Duration

	// CloseGrace delays wall-clock closing of a bucket after its end so that
	// slightly late ticks still land in it. Defaults to zero.
	CloseGrace time.Duration

	// ClockInterval is how often Run advances the wall clock. Defaults to 100ms.
	ClockInterval time.Duration

	// MaxGapBuckets bounds how many synthetic candles a single gap produces.
	// Older missing buckets are skipped. Defaults to 1440.
	MaxGapBuckets int
}

// series is the candle state of one instrument: NoCandle (open == false) or
// Open. Closed candles leave the series through the sink and never return.
type series struct {
	mu sync.Mutex

	instrument string
	open       bool
	cur        model.Candle

	hasLast   bool
	lastClose decimal.Decimal
	// nextBucket is the start of the first bucket not yet closed.
	// Zero until the first candle closes or the series is seeded.
	nextBucket time.Time
}

// Synthesizer owns the open candles of a fixed instrument set. Each
// instrument is guarded by its own lock; the sink is called under that lock,
// so delivery is ordered per instrument.
type Synthesizer struct {
	cfg    Config
	sink   model.CandleSink
	log    *slog.Logger
	series map[string]*series
	now    func() time.Time

	// Metrics hooks (optional, set before use)
	OnDroppedTick     func(instrument string)
	OnClampedTick     func(instrument string)
	OnSyntheticCandle func(instrument string)
	OnSkippedGap      func(instrument string, buckets int)

	// OnClosedBucketTick is called for ticks dropped because their bucket was
	// already closed (by Flush or a previous run) and is still current.
	OnClosedBucketTick func(instrument string)
}

// New creates a Synthesizer delivering closed candles to sink.
func New(cfg Config, sink model.CandleSink, log *slog.Logger) *Synthesizer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = 100 * time.Millisecond
	}
	if cfg.MaxGapBuckets <= 0 {
		cfg.MaxGapBuckets = 1440
	}
	if cfg.CloseGrace < 0 {
		cfg.CloseGrace = 0
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Synthesizer{
		cfg:    cfg,
		sink:   sink,
		log:    log,
		series: make(map[string]*series, len(cfg.Instruments)),
		now:    time.Now,
	}
	for _, inst := range cfg.Instruments {
		s.series[inst] = &series{instrument: inst}
	}
	return s
}

// Interval returns the bucket duration.
func (s *Synthesizer) Interval() time.Duration { return s.cfg.Interval }

// Ingest folds tick into its instrument's open candle, closing and gap-filling
// buckets as the tick's bucket moves forward. Ticks with a non-positive price
// or an unknown instrument are dropped.
func (s *Synthesizer) Ingest(tick model.Tick) {
	sr, ok := s.series[tick.Instrument]
	if !ok || !tick.Price.IsPositive() {
		s.dropped(tick.Instrument)
		return
	}
	bucket := tick.Timestamp.UTC().Truncate(s.cfg.Interval)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.open {
		switch {
		case bucket.Before(sr.cur.BucketStart):
			// Clock skew: fold into the open bucket rather than reopen a closed one.
			bucket = sr.cur.BucketStart
			s.clamped(sr.instrument)
		case bucket.After(sr.cur.BucketStart):
			s.closeCurrent(sr, false)
		}
	}

	if !sr.open {
		if !sr.nextBucket.IsZero() && bucket.Before(sr.nextBucket) {
			if sr.nextBucket.After(s.now().UTC().Truncate(s.cfg.Interval)) {
				// Moving the tick forward would open a bucket that has not
				// started yet; the closed one cannot be reopened.
				if s.OnClosedBucketTick != nil {
					s.OnClosedBucketTick(sr.instrument)
				}
				return
			}
			bucket = sr.nextBucket
			s.clamped(sr.instrument)
		}
		s.fillUntil(sr, bucket)
		sr.open = true
		sr.cur = model.Candle{
			Instrument:  sr.instrument,
			Interval:    s.cfg.Interval,
			BucketStart: bucket,
			Open:        tick.Price,
			High:        tick.Price,
			Low:         tick.Price,
			Close:       tick.Price,
			Volume:      nonNegative(tick.Volume),
			Ticks:       1,
		}
		return
	}

	c := &sr.cur
	c.High = decimal.Max(c.High, tick.Price)
	c.Low = decimal.Min(c.Low, tick.Price)
	c.Close = tick.Price
	c.Volume = c.Volume.Add(nonNegative(tick.Volume))
	c.Ticks++
	enforce(c)
}

// Advance closes every open candle whose bucket (plus CloseGrace) ended at or
// before now, and emits synthetic candles for fully elapsed empty buckets.
func (s *Synthesizer) Advance(now time.Time) {
	for _, sr := range s.ordered() {
		sr.mu.Lock()
		s.advance(sr, now)
		sr.mu.Unlock()
	}
}

func (s *Synthesizer) advance(sr *series, now time.Time) {
	if sr.open && !sr.cur.BucketEnd().Add(s.cfg.CloseGrace).After(now) {
		s.closeCurrent(sr, false)
	}
	if sr.open || !sr.hasLast {
		return
	}
	if sr.nextBucket.IsZero() {
		sr.nextBucket = now.UTC().Truncate(s.cfg.Interval)
	}
	// Fill every bucket whose end (plus grace) has passed.
	limit := now.Add(-s.cfg.CloseGrace).UTC().Truncate(s.cfg.Interval)
	s.fillUntil(sr, limit)
}

// Flush advances to now and then closes every remaining open candle. A
// candle closed before its bucket ended is incomplete and is marked
// synthetic. Used on shutdown.
func (s *Synthesizer) Flush(now time.Time) {
	for _, sr := range s.ordered() {
		sr.mu.Lock()
		s.advance(sr, now)
		if sr.open {
			s.closeCurrent(sr, true)
		}
		sr.mu.Unlock()
	}
}

// Seed primes an instrument with the close of a previously persisted candle
// so that gap filling resumes from it. Gaps are filled back at most
// lookback buckets before now. Seeding an instrument that already has state
// is a no-op.
func (s *Synthesizer) Seed(instrument string, lastClose decimal.Decimal, lastBucket time.Time, lookback int, now time.Time) error {
	sr, ok := s.series[instrument]
	if !ok {
		return fmt.Errorf("synth: unknown instrument %q", instrument)
	}
	if !lastClose.IsPositive() {
		return fmt.Errorf("synth: seed close %s for %s must be positive", lastClose, instrument)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.open || sr.hasLast {
		return nil
	}

	current := now.UTC().Truncate(s.cfg.Interval)
	next := current
	if !lastBucket.IsZero() {
		next = lastBucket.UTC().Truncate(s.cfg.Interval).Add(s.cfg.Interval)
	}
	if lookback < 0 {
		lookback = 0
	}
	if earliest := current.Add(-time.Duration(lookback) * s.cfg.Interval); next.Before(earliest) {
		next = earliest
	}
	sr.hasLast = true
	sr.lastClose = lastClose
	sr.nextBucket = next
	return nil
}

// LastClose returns the most recent close for instrument: the open candle's
// running close if one is open, otherwise the last closed candle's close.
func (s *Synthesizer) LastClose(instrument string) (decimal.Decimal, bool) {
	sr, ok := s.series[instrument]
	if !ok {
		return decimal.Zero, false
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.open {
		return sr.cur.Close, true
	}
	return sr.lastClose, sr.hasLast
}

// OpenCandle returns a copy of instrument's open candle, if any.
func (s *Synthesizer) OpenCandle(instrument string) (model.Candle, bool) {
	sr, ok := s.series[instrument]
	if !ok {
		return model.Candle{}, false
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.cur, sr.open
}

// Run advances the wall clock every ClockInterval until ctx is cancelled.
// It does not flush; call Flush after the tick source has stopped.
func (s *Synthesizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ClockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance(s.now())
		}
	}
}

// closeCurrent closes the open candle and publishes it. Caller holds sr.mu.
func (s *Synthesizer) closeCurrent(sr *series, incomplete bool) {
	c := sr.cur
	enforce(&c)
	if incomplete {
		c.IsSynthetic = true
	}
	sr.open = false
	sr.cur = model.Candle{}
	sr.hasLast = true
	sr.lastClose = c.Close
	sr.nextBucket = c.BucketStart.Add(s.cfg.Interval)
	s.emit(c)
}

// fillUntil emits flat synthetic candles for every bucket in
// [sr.nextBucket, until). Caller holds sr.mu.
func (s *Synthesizer) fillUntil(sr *series, until time.Time) {
	if !sr.hasLast || sr.nextBucket.IsZero() {
		if sr.nextBucket.IsZero() || sr.nextBucket.Before(until) {
			sr.nextBucket = until
		}
		return
	}
	if !sr.nextBucket.Before(until) {
		return
	}

	missing := int(until.Sub(sr.nextBucket) / s.cfg.Interval)
	if missing > s.cfg.MaxGapBuckets {
		skipped := missing - s.cfg.MaxGapBuckets
		sr.nextBucket = sr.nextBucket.Add(time.Duration(skipped) * s.cfg.Interval)
		s.log.Warn("gap exceeds look-back, skipping oldest buckets",
			slog.String("instrument", sr.instrument),
			slog.Int("skipped", skipped))
		if s.OnSkippedGap != nil {
			s.OnSkippedGap(sr.instrument, skipped)
		}
	}

	for sr.nextBucket.Before(until) {
		p := sr.lastClose
		c := model.Candle{
			Instrument:  sr.instrument,
			Interval:    s.cfg.Interval,
			BucketStart: sr.nextBucket,
			Open:        p,
			High:        p,
			Low:         p,
			Close:       p,
			Volume:      decimal.Zero,
			IsSynthetic: true,
		}
		sr.nextBucket = sr.nextBucket.Add(s.cfg.Interval)
		s.emit(c)
		if s.OnSyntheticCandle != nil {
			s.OnSyntheticCandle(sr.instrument)
		}
	}
}

func (s *Synthesizer) emit(c model.Candle) {
	if s.sink != nil {
		s.sink.OnCandleClosed(c)
	}
}

func (s *Synthesizer) dropped(instrument string) {
	if s.OnDroppedTick != nil {
		s.OnDroppedTick(instrument)
	}
}

func (s *Synthesizer) clamped(instrument string) {
	if s.OnClampedTick != nil {
		s.OnClampedTick(instrument)
	}
}

// ordered returns the series in instrument order so Advance emits
// deterministically across instruments.
func (s *Synthesizer) ordered() []*series {
	out := make([]*series, 0, len(s.series))
	for _, sr := range s.series {
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].instrument < out[j].instrument })
	return out
}

// enforce restores high >= max(open, close) and low <= min(open, close).
func enforce(c *model.Candle) {
	c.High = decimal.Max(c.High, c.Open, c.Close)
	c.Low = decimal.Min(c.Low, c.Open, c.Close)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
