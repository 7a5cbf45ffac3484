// Package engine wires the tick path (feed → resolver → override →
// synthesizer → snapshot) and owns its lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"intervention-engine/internal/intervention"
	"intervention-engine/internal/marketdata/bus"
	"intervention-engine/internal/marketdata/feed"
	"intervention-engine/internal/marketdata/rollup"
	"intervention-engine/internal/marketdata/synth"
	"intervention-engine/internal/metrics"
	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
	"intervention-engine/internal/snapshot"
)

// Config configures an Engine.
type Config struct {
	Instruments []model.Instrument

	Bucket          time.Duration   // candle interval, default 1m
	CloseGrace      time.Duration   // wall-clock close delay
	LookbackBuckets int             // max buckets gap-filled after a restart, default 1440
	RollupIntervals []time.Duration // higher intervals built from base candles

	SnapshotRefresh time.Duration // default 5s
	RetentionDepth  int           // closed candles kept per instrument, default 120

	RuleRefresh time.Duration  // default 5s
	Location    *time.Location // rule window time zone, default UTC
	NoiseBound  float64        // capped at intervention.MaxNoiseBound

	Feed feed.Config

	// FanoutBuffer sizes each persistence subscriber channel. Default 5000.
	FanoutBuffer int

	// StatsInterval is how often channel saturation and rule staleness are
	// sampled. Default 5s.
	StatsInterval time.Duration
}

func (c *Config) defaults() {
	if c.Bucket <= 0 {
		c.Bucket = time.Minute
	}
	if c.LookbackBuckets <= 0 {
		c.LookbackBuckets = 1440
	}
	if c.SnapshotRefresh <= 0 {
		c.SnapshotRefresh = 5 * time.Second
	}
	if c.RetentionDepth <= 0 {
		c.RetentionDepth = 120
	}
	if c.RuleRefresh <= 0 {
		c.RuleRefresh = 5 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.FanoutBuffer <= 0 {
		c.FanoutBuffer = 5000
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
}

// Persister consumes closed candles (base and rolled) from its own channel.
// Run must return once ch is closed.
type Persister struct {
	Name string
	Run  func(ctx context.Context, ch <-chan model.Candle)
}

// Deps are the engine's pluggable collaborators. Only Rules is required in
// practice; a nil Rules behaves as an empty rule set.
type Deps struct {
	Rules   model.RuleSource
	History model.CandleHistory // optional warm start
	Source  feed.Source         // optional; built from Config.Feed when nil

	Persisters []Persister

	Metrics *metrics.Metrics      // optional; a private registry is used when nil
	Health  *metrics.HealthStatus // optional
	Log     *slog.Logger

	// OnSnapshot is called with each newly published snapshot (optional).
	OnSnapshot func(s *model.Snapshot)
}

// Engine is the running market intervention engine.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	m      *metrics.Metrics
	health *metrics.HealthStatus
	now    func() time.Time

	symbols   []string
	rules     *intervention.Store
	resolver  *intervention.Resolver
	overrider *intervention.Overrider
	synth     *synth.Synthesizer
	rollup    *rollup.Builder
	publisher *snapshot.Publisher
	base      *bus.FanOut
	persist   *bus.FanOut
	source    feed.Source
	history   model.CandleHistory

	persisters []Persister

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	feed      *feed.Handle
	loops     sync.WaitGroup
	sinks     sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error

	ovMu      sync.Mutex
	overrides map[string]bool
}

// New assembles an engine. It fails only when no instrument is configured.
func New(cfg Config, deps Deps) (*Engine, error) {
	if len(cfg.Instruments) == 0 {
		return nil, model.ErrNoInstruments
	}
	cfg.defaults()

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = logger.Component(log, "engine")
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	health := deps.Health
	if health == nil {
		health = metrics.NewHealthStatus()
	}
	src := deps.Rules
	if src == nil {
		src = intervention.NewStaticSource()
	}

	symbols := make([]string, len(cfg.Instruments))
	for i, in := range cfg.Instruments {
		symbols[i] = in.Symbol
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		m:          m,
		health:     health,
		now:        time.Now,
		symbols:    symbols,
		history:    deps.History,
		persisters: deps.Persisters,
		overrides:  make(map[string]bool, len(symbols)),
	}

	e.rules = intervention.NewStore(intervention.StoreConfig{
		Instruments:     symbols,
		RefreshInterval: cfg.RuleRefresh,
	}, src, log)
	e.rules.OnRefreshError = func(string, error) { m.RuleRefreshErrors.Inc() }
	e.rules.OnRefresh = func(rs *intervention.RuleSet) {
		m.RuleSetVersion.Set(float64(rs.Version))
		m.RulesLoaded.Set(float64(rs.Count()))
	}

	e.resolver = intervention.NewResolver(cfg.Location, log)
	e.resolver.OnInvalidRule = func(model.InterventionRule, error) { m.InvalidRules.Inc() }
	e.overrider = intervention.NewOverrider(cfg.NoiseBound)

	e.publisher = snapshot.New(snapshot.Config{
		Instruments:     symbols,
		Retention:       cfg.RetentionDepth,
		RefreshInterval: cfg.SnapshotRefresh,
	}, log)
	e.publisher.OnEvict = func(string) { m.RingEvictions.Inc() }
	e.publisher.OnRefresh = func(s *model.Snapshot) {
		m.SnapshotVersion.Set(float64(s.Version))
		if deps.OnSnapshot != nil {
			deps.OnSnapshot(s)
		}
	}

	dropped := func(name string, c model.Candle) {
		m.FanoutDropsTotal.WithLabelValues(name, c.Instrument).Inc()
		log.Warn("subscriber behind, candle dropped",
			slog.String("subscriber", name),
			slog.String("instrument", c.Instrument),
			slog.String("interval", c.Interval.String()),
			slog.Time("bucket_start", c.BucketStart))
	}
	e.persist = bus.New(cfg.FanoutBuffer)
	e.persist.OnDrop = dropped
	e.base = bus.New(cfg.FanoutBuffer)
	e.base.OnDrop = dropped

	rolled, err := rollup.New(cfg.Bucket, cfg.RollupIntervals, e.persist)
	if err != nil {
		log.Warn("rollup disabled", slog.String("error", err.Error()))
		rolled, _ = rollup.New(cfg.Bucket, nil, e.persist)
	}
	rolled.OnStaleCandle = func(string) { m.StaleRollups.Inc() }
	rolled.OnRolledCandle = e.countCandle
	e.rollup = rolled

	// Closed base candles: snapshot ring, rollup, persistence, metrics.
	e.base.Attach(e.publisher)
	e.base.Attach(e.rollup)
	e.base.Attach(e.persist)
	e.base.Attach(model.CandleSinkFunc(e.countCandle))
	e.base.Attach(model.CandleSinkFunc(func(c model.Candle) {
		m.CandleLag.Set(e.now().Sub(c.BucketEnd()).Seconds())
	}))

	e.synth = synth.New(synth.Config{
		Instruments:   symbols,
		Interval:      cfg.Bucket,
		CloseGrace:    cfg.CloseGrace,
		MaxGapBuckets: cfg.LookbackBuckets,
	}, e.base, log)
	e.synth.OnDroppedTick = func(string) { m.DroppedTicks.WithLabelValues("invalid").Inc() }
	e.synth.OnClampedTick = func(string) { m.ClampedTicks.Inc() }
	e.synth.OnClosedBucketTick = func(string) { m.DroppedTicks.WithLabelValues("closed_bucket").Inc() }
	e.synth.OnSkippedGap = func(_ string, n int) { m.SkippedGapBuckets.Add(float64(n)) }

	e.source = deps.Source
	if e.source == nil {
		e.source = feed.New(cfg.Feed, cfg.Instruments, e.synth.LastClose, log)
	}
	e.wireSource(e.source)

	return e, nil
}

// wireSource connects feed hooks to metrics and health.
func (e *Engine) wireSource(src feed.Source) {
	e.health.SetFeed(src.Name())
	switch s := src.(type) {
	case *feed.Fallback:
		s.OnFallback = func(error) {
			e.m.FallbackActive.Set(1)
			e.health.SetFallback(true)
			e.health.SetFeed(s.Backup.Name())
		}
		s.OnRecover = func() {
			e.m.FallbackActive.Set(0)
			e.health.SetFallback(false)
			e.health.SetFeed(s.Primary.Name())
		}
		e.wireSource(s.Primary)
		e.health.SetFeed(s.Name())
	case *feed.Poller:
		s.OnFetchError = func(inst string, _ error) { e.m.FetchErrors.WithLabelValues(inst).Inc() }
		s.OnCycle = func(_, _ int, took time.Duration) { e.m.PollCycleDur.Observe(took.Seconds()) }
	case *feed.Stream:
		s.OnReconnect = func() { e.m.StreamReconnects.Inc() }
		s.OnBadFrame = func(error) { e.m.DroppedTicks.WithLabelValues("bad_frame").Inc() }
	}
}

func (e *Engine) countCandle(c model.Candle) {
	e.m.CandlesTotal.WithLabelValues(c.IntervalLabel(), metrics.CandleKind(c.IsSynthetic)).Inc()
}

// Start warms the engine from history, loads the rule set and starts the
// background loops and the tick source. Rule load failures are logged; the
// engine runs with whatever rules it has.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}
	e.started = true

	e.warmStart(ctx)

	if err := e.rules.Refresh(ctx); err != nil {
		e.log.Warn("initial rule load incomplete", slog.String("error", err.Error()))
	}

	// Persisters outlive the loop context so they can drain after Stop.
	for _, p := range e.persisters {
		ch := e.persist.Subscribe(p.Name)
		e.sinks.Add(1)
		go func() {
			defer e.sinks.Done()
			p.Run(context.WithoutCancel(ctx), ch)
		}()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.goLoop(func() { e.rules.Run(loopCtx) })
	e.goLoop(func() { e.synth.Run(loopCtx) })
	e.goLoop(func() { e.publisher.Run(loopCtx) })
	e.goLoop(func() { e.statsLoop(loopCtx) })

	e.feed = feed.Start(loopCtx, e.source, e.onTick)
	e.log.Info("engine started",
		slog.Int("instruments", len(e.symbols)),
		slog.String("feed", e.source.Name()),
		slog.Duration("bucket", e.cfg.Bucket))
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		fn()
	}()
}

// warmStart pre-fills the snapshot rings and seeds the synthesizer from the
// most recent persisted candles. Missing or failing history is not fatal.
func (e *Engine) warmStart(ctx context.Context) {
	if e.history == nil {
		return
	}
	now := e.now()
	for _, sym := range e.symbols {
		candles, err := e.history.RecentCandles(ctx, sym, e.cfg.Bucket, e.cfg.RetentionDepth)
		if err != nil {
			e.log.Warn("warm start: history unavailable",
				slog.String("instrument", sym), slog.String("error", err.Error()))
			continue
		}
		if len(candles) == 0 {
			continue
		}
		e.publisher.Preload(sym, candles)
		last := candles[len(candles)-1]
		if err := e.synth.Seed(sym, last.Close, last.BucketStart, e.cfg.LookbackBuckets, now); err != nil {
			e.log.Warn("warm start: seed failed",
				slog.String("instrument", sym), slog.String("error", err.Error()))
			continue
		}
		e.log.Info("warm start",
			slog.String("instrument", sym),
			slog.Int("candles", len(candles)),
			slog.Time("last_bucket", last.BucketStart))
	}
	e.publisher.Refresh()
}

// onTick is the hot path: resolve, override, aggregate, publish.
func (e *Engine) onTick(t model.Tick) {
	now := e.now()
	switch {
	case t.Timestamp.IsZero():
		t.Timestamp = now
	case t.Timestamp.After(now):
		// Buckets close on our clock; a vendor clock running ahead must
		// not open buckets that have not started yet.
		t.Timestamp = now
		e.m.ClampedTicks.Inc()
	}
	e.m.TicksTotal.WithLabelValues(t.Source).Inc()
	e.health.SetLastTickTime(now)

	ov := e.EffectiveOverride(t.Instrument, t.Timestamp)
	out := e.overrider.Apply(t, ov)
	if ov.Active() {
		e.m.OverriddenTicks.Inc()
	}
	e.trackOverride(t, ov)

	e.synth.Ingest(out)
	if out.Price.IsPositive() && e.known(out.Instrument) {
		e.publisher.OnTick(out)
	}
}

func (e *Engine) trackOverride(t model.Tick, ov model.EffectiveOverride) {
	if !e.known(t.Instrument) {
		return
	}
	active := ov.Active()
	e.ovMu.Lock()
	changed := e.overrides[t.Instrument] != active
	e.overrides[t.Instrument] = active
	e.ovMu.Unlock()
	if !changed {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	e.m.ActiveOverrides.WithLabelValues(t.Instrument).Set(v)

	if active {
		e.log.Info("override started",
			slog.String("instrument", t.Instrument),
			slog.String("rule_id", ov.Rule.ID),
			slog.String("trace_id", t.TraceID))
	} else {
		e.log.Info("override ended",
			slog.String("instrument", t.Instrument),
			slog.String("trace_id", t.TraceID))
	}
}

func (e *Engine) known(instrument string) bool {
	for _, s := range e.symbols {
		if s == instrument {
			return true
		}
	}
	return false
}

// EffectiveOverride resolves the override in effect for instrument at at.
func (e *Engine) EffectiveOverride(instrument string, at time.Time) model.EffectiveOverride {
	return e.resolver.Resolve(e.rules.ActiveRules(instrument, at), at)
}

// GetSnapshot returns the latest published snapshot without blocking.
func (e *Engine) GetSnapshot() *model.Snapshot {
	return e.publisher.GetSnapshot()
}

// OpenCandle returns the candle currently forming for instrument.
func (e *Engine) OpenCandle(instrument string) (model.Candle, bool) {
	return e.synth.OpenCandle(instrument)
}

// RefreshRules reloads the rule set immediately.
func (e *Engine) RefreshRules(ctx context.Context) error {
	return e.rules.Refresh(ctx)
}

// Instruments returns the configured symbols.
func (e *Engine) Instruments() []string {
	return append([]string(nil), e.symbols...)
}

func (e *Engine) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.health.SetRulesStale(e.rules.Stale(now))
			for _, f := range []*bus.FanOut{e.base, e.persist} {
				for _, s := range f.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						e.m.ChannelSaturationPct.WithLabelValues(s.Name).Set(pct)
					}
				}
			}
		}
	}
}

// Stop stops the tick source, closes every open candle, publishes a final
// snapshot and waits for persisters to drain. It is idempotent.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		h := e.feed
		cancel := e.cancel
		e.mu.Unlock()

		if h != nil {
			if err := h.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				e.stopErr = fmt.Errorf("tick source: %w", err)
			}
		}
		if cancel != nil {
			cancel()
		}
		e.loops.Wait()

		if started {
			e.synth.Flush(e.now())
			e.rollup.Flush()
			e.publisher.Refresh()
		}

		e.base.Close()
		e.persist.Close()

		done := make(chan struct{})
		go func() {
			e.sinks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			e.log.Warn("persisters did not drain in time")
		}
		e.log.Info("engine stopped")
	})
	return e.stopErr
}
