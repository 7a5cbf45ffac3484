// Package snapshot maintains the engine's published read view: the latest
// tick and the last N closed candles per instrument, republished as one
// immutable model.Snapshot on a fixed cadence.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"intervention-engine/internal/model"
	"intervention-engine/internal/ringbuf"
)

// Config configures a Publisher.
type Config struct {
	Instruments []string

	// Retention is how many closed candles are kept per instrument. Defaults to 120.
	Retention int

	// RefreshInterval is the snapshot cadence. Defaults to 5s.
	RefreshInterval time.Duration
}

// Publisher accumulates ticks and closed candles and publishes them as
// snapshots. Writers take an internal lock; GetSnapshot is a single atomic
// load and never blocks.
type Publisher struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	latest  map[string]model.Tick
	candles map[string]*ringbuf.Ring[model.Candle]
	dirty   bool

	current atomic.Pointer[model.Snapshot]
	version atomic.Uint64

	// OnRefresh is called with every newly published snapshot (optional).
	OnRefresh func(s *model.Snapshot)
	// OnEvict is called when a candle falls out of an instrument's ring (optional).
	OnEvict func(instrument string)
}

// New creates a Publisher with an empty initial snapshot.
func New(cfg Config, log *slog.Logger) *Publisher {
	if cfg.Retention <= 0 {
		cfg.Retention = 120
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		latest:  make(map[string]model.Tick, len(cfg.Instruments)),
		candles: make(map[string]*ringbuf.Ring[model.Candle], len(cfg.Instruments)),
	}
	for _, inst := range cfg.Instruments {
		p.candles[inst] = ringbuf.New[model.Candle](cfg.Retention)
	}
	p.current.Store(&model.Snapshot{
		TakenAt:       p.now(),
		LatestTicks:   map[string]model.Tick{},
		RecentCandles: map[string][]model.Candle{},
	})
	return p
}

// OnTick records t as its instrument's latest tick.
func (p *Publisher) OnTick(t model.Tick) {
	p.mu.Lock()
	p.latest[t.Instrument] = t
	p.dirty = true
	p.mu.Unlock()
}

// OnCandleClosed appends c to its instrument's ring, evicting the oldest
// candle when the ring is full.
func (p *Publisher) OnCandleClosed(c model.Candle) {
	p.mu.Lock()
	r, ok := p.candles[c.Instrument]
	if !ok {
		r = ringbuf.New[model.Candle](p.cfg.Retention)
		p.candles[c.Instrument] = r
	}
	evicted := r.Push(c)
	p.dirty = true
	p.mu.Unlock()

	if evicted && p.OnEvict != nil {
		p.OnEvict(c.Instrument)
	}
}

// Preload fills an instrument's ring with history, oldest first. Used by the
// bounded look-back warm start before any live candle arrives.
func (p *Publisher) Preload(instrument string, candles []model.Candle) {
	for _, c := range candles {
		c.Instrument = instrument
		p.OnCandleClosed(c)
	}
}

// GetSnapshot returns the current snapshot. It never blocks and never
// returns nil.
func (p *Publisher) GetSnapshot() *model.Snapshot {
	return p.current.Load()
}

// Refresh publishes a new snapshot built from the accumulated state.
// If nothing changed since the last refresh the current snapshot is kept.
func (p *Publisher) Refresh() *model.Snapshot {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return p.current.Load()
	}
	latest := make(map[string]model.Tick, len(p.latest))
	for k, v := range p.latest {
		latest[k] = v
	}
	recent := make(map[string][]model.Candle, len(p.candles))
	for k, r := range p.candles {
		if r.Len() > 0 {
			recent[k] = r.Items()
		}
	}
	p.dirty = false
	p.mu.Unlock()

	snap := &model.Snapshot{
		Version:       p.version.Add(1),
		TakenAt:       p.now(),
		LatestTicks:   latest,
		RecentCandles: recent,
	}
	p.current.Store(snap)
	if p.OnRefresh != nil {
		p.OnRefresh(snap)
	}
	return snap
}

// Run refreshes the snapshot every RefreshInterval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Refresh()
			p.log.Debug("snapshot refreshed",
				slog.Uint64("version", snap.Version),
				slog.Int("instruments", len(snap.LatestTicks)))
		}
	}
}
