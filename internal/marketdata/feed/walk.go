package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// WalkConfig configures the random-walk fallback.
type WalkConfig struct {
	// Interval between generated ticks per instrument. Defaults to 1s.
	Interval time.Duration

	// Volatility is the standard deviation of the per-step log return.
	// Defaults to 0.0005 (0.05%).
	Volatility float64

	// Seed makes runs reproducible: equal seeds and start prices produce
	// equal price paths.
	Seed uint64
}

const walkPlaces = 8

// Walk is a deterministic pseudo-random walk per instrument. Each step
// multiplies the price by exp(σ·z), so prices stay strictly positive.
type Walk struct {
	cfg       WalkConfig
	lastPrice func(string) (decimal.Decimal, bool)

	mu     sync.Mutex
	order  []string
	states map[string]*walkState
}

type walkState struct {
	rng     *rand.Rand
	price   float64
	started bool
	seed    decimal.Decimal
}

// NewWalk creates a walk over instruments. lastPrice (optional) supplies the
// last known price to start from; SeedPrice is used otherwise.
func NewWalk(cfg WalkConfig, instruments []model.Instrument, lastPrice func(string) (decimal.Decimal, bool)) *Walk {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Volatility <= 0 || math.IsNaN(cfg.Volatility) || math.IsInf(cfg.Volatility, 0) {
		cfg.Volatility = 0.0005
	}
	w := &Walk{
		cfg:       cfg,
		lastPrice: lastPrice,
		states:    make(map[string]*walkState, len(instruments)),
	}
	for _, in := range instruments {
		w.order = append(w.order, in.Symbol)
		w.states[in.Symbol] = &walkState{
			rng:  rand.New(rand.NewPCG(cfg.Seed, symbolHash(in.Symbol))),
			seed: in.SeedPrice,
		}
	}
	return w
}

func (w *Walk) Name() string { return "walk" }

// Run emits one tick per instrument every Interval until ctx is cancelled.
func (w *Walk) Run(ctx context.Context, onTick func(model.Tick)) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, sym := range w.order {
				if t, ok := w.Step(sym, now); ok {
					onTick(t)
				}
			}
		}
	}
}

// Step advances instrument's walk by one step and returns the tick.
// It reports false for unknown instruments or when no start price exists.
func (w *Walk) Step(instrument string, now time.Time) (model.Tick, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.states[instrument]
	if !ok {
		return model.Tick{}, false
	}
	if !st.started {
		start, ok := w.startPrice(instrument, st)
		if !ok {
			return model.Tick{}, false
		}
		st.price = start
		st.started = true
	}

	next := st.price * math.Exp(w.cfg.Volatility*st.rng.NormFloat64())
	if next > 0 && !math.IsNaN(next) && !math.IsInf(next, 0) {
		st.price = next
	}
	price := decimal.NewFromFloat(st.price).Round(walkPlaces)
	if !price.IsPositive() {
		// Below the rounding precision; hold at the smallest representable step.
		price = decimal.New(1, -walkPlaces)
	}
	vol := decimal.NewFromFloat(st.rng.Float64() * 10).Round(4)

	return model.Tick{
		Instrument: instrument,
		Price:      price,
		Volume:     vol,
		Timestamp:  now.UTC(),
		Source:     w.Name(),
		TraceID:    logger.GenerateTraceID(instrument, now),
	}, true
}

// Rebase makes each instrument's next step restart from the last known
// price, so a walk resumed after an upstream outage continues from where the
// upstream left off.
func (w *Walk) Rebase() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.states {
		st.started = false
	}
}

func (w *Walk) startPrice(instrument string, st *walkState) (float64, bool) {
	if w.lastPrice != nil {
		if p, ok := w.lastPrice(instrument); ok && p.IsPositive() {
			return p.InexactFloat64(), true
		}
	}
	if st.price > 0 {
		return st.price, true
	}
	if st.seed.IsPositive() {
		return st.seed.InexactFloat64(), true
	}
	return 0, false
}

func symbolHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
