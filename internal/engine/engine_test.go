package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"intervention-engine/internal/intervention"
	"intervention-engine/internal/metrics"
	"intervention-engine/internal/model"
	"intervention-engine/internal/timewindow"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// chanSource delivers ticks sent on its channel. Sends block until the
// engine has taken the tick.
type chanSource struct{ ticks chan model.Tick }

func newChanSource() *chanSource { return &chanSource{ticks: make(chan model.Tick)} }

func (c *chanSource) Name() string { return "test" }

func (c *chanSource) Run(ctx context.Context, onTick func(model.Tick)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-c.ticks:
			onTick(t)
		}
	}
}

type fakeHistory struct{ candles map[string][]model.Candle }

func (f fakeHistory) RecentCandles(_ context.Context, inst string, _ time.Duration, limit int) ([]model.Candle, error) {
	cs := f.candles[inst]
	if len(cs) > limit {
		cs = cs[len(cs)-limit:]
	}
	return cs, nil
}

type collector struct {
	mu      sync.Mutex
	candles []model.Candle
}

func (c *collector) run(_ context.Context, ch <-chan model.Candle) {
	for cd := range ch {
		c.mu.Lock()
		c.candles = append(c.candles, cd)
		c.mu.Unlock()
	}
}

func (c *collector) byInterval(iv time.Duration) []model.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Candle
	for _, cd := range c.candles {
		if cd.Interval == iv {
			out = append(out, cd)
		}
	}
	return out
}

var instruments = []model.Instrument{
	{Symbol: "BTC/USDT", SeedPrice: decimal.NewFromInt(65000)},
	{Symbol: "ETH/USDT", SeedPrice: decimal.NewFromInt(3200)},
}

// windowAround returns a rule window covering now ± 1h (UTC).
func windowAround(now time.Time) timewindow.Window {
	return timewindow.Window{
		Start: timewindow.Of(now.Add(-time.Hour), time.UTC),
		End:   timewindow.Of(now.Add(time.Hour), time.UTC),
	}
}

func testConfig() Config {
	return Config{
		Instruments:     instruments,
		Bucket:          time.Minute,
		RollupIntervals: []time.Duration{5 * time.Minute},
		SnapshotRefresh: time.Hour,
		RuleRefresh:     time.Hour,
		NoiseBound:      0.0005,
	}
}

func TestNew_NoInstruments(t *testing.T) {
	_, err := New(Config{}, Deps{Log: quiet})
	if !errors.Is(err, model.ErrNoInstruments) {
		t.Fatalf("got %v, want ErrNoInstruments", err)
	}
}

func TestEngine_OverridesTicksAndFlushesOnStop(t *testing.T) {
	now := time.Now()
	rule := model.InterventionRule{
		ID: "r1", Instrument: "BTC/USDT",
		Window:   windowAround(now),
		MinPrice: decimal.NewFromInt(100), MaxPrice: decimal.NewFromInt(200),
		Trend: model.TrendDown, Priority: 1, Enabled: true, CreatedAt: now,
	}
	src := newChanSource()
	col := &collector{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	var published []*model.Snapshot

	e, err := New(testConfig(), Deps{
		Rules:      intervention.NewStaticSource(rule),
		Source:     src,
		Persisters: []Persister{{Name: "test", Run: col.run}},
		Metrics:    m,
		Log:        quiet,
		OnSnapshot: func(s *model.Snapshot) { published = append(published, s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		src.ticks <- model.Tick{Instrument: "BTC/USDT", Price: decimal.NewFromInt(65000), Volume: decimal.NewFromInt(1), Timestamp: time.Now(), Source: "test"}
		src.ticks <- model.Tick{Instrument: "ETH/USDT", Price: decimal.NewFromInt(3200), Volume: decimal.NewFromInt(1), Timestamp: time.Now(), Source: "test"}
	}

	ov := e.EffectiveOverride("BTC/USDT", time.Now())
	if !ov.Active() || ov.Rule.ID != "r1" {
		t.Fatalf("effective override %+v", ov)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	snap := e.GetSnapshot()
	btc, ok := snap.Latest("BTC/USDT")
	if !ok {
		t.Fatal("no BTC tick in snapshot")
	}
	if btc.RuleID != "r1" || btc.Price.LessThan(rule.MinPrice) || btc.Price.GreaterThan(rule.MaxPrice) {
		t.Errorf("BTC tick not overridden into range: %+v", btc)
	}
	eth, _ := snap.Latest("ETH/USDT")
	if eth.Overridden() || !eth.Price.Equal(decimal.NewFromInt(3200)) {
		t.Errorf("ETH tick changed: %+v", eth)
	}

	if got := testutil.ToFloat64(m.OverriddenTicks); got != 3 {
		t.Errorf("overridden ticks %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("test")); got != 6 {
		t.Errorf("ticks %v, want 6", got)
	}

	// The open candles are flushed on stop; no minute has been completed,
	// so whatever was emitted is incomplete.
	base := col.byInterval(time.Minute)
	perInst := map[string]int{}
	for _, c := range base {
		perInst[c.Instrument]++
		if !c.Consistent() {
			t.Errorf("inconsistent candle %+v", c)
		}
	}
	if perInst["BTC/USDT"] == 0 || perInst["ETH/USDT"] == 0 {
		t.Fatalf("flushed base candles %v", perInst)
	}
	last := base[len(base)-1]
	if last.BucketEnd().After(time.Now()) && !last.IsSynthetic {
		t.Errorf("flushed partial candle should be synthetic: %+v", last)
	}
	for _, c := range base {
		if c.Instrument == "BTC/USDT" && c.Ticks > 0 && c.High.GreaterThan(rule.MaxPrice) {
			t.Errorf("BTC candle above override max: %+v", c)
		}
	}
	if len(col.byInterval(5*time.Minute)) < 2 {
		t.Errorf("rolled candles %d, want at least one per instrument", len(col.byInterval(5*time.Minute)))
	}
	if len(published) == 0 {
		t.Error("no snapshot published")
	}
}

func TestEngine_WarmStartFillsGapFromHistory(t *testing.T) {
	now := time.Now().UTC()
	lastBucket := now.Truncate(time.Minute).Add(-3 * time.Minute)
	var hist []model.Candle
	for i := 2; i >= 0; i-- {
		px := decimal.NewFromInt(int64(65000 + i))
		hist = append(hist, model.Candle{
			Instrument: "BTC/USDT", Interval: time.Minute,
			BucketStart: lastBucket.Add(-time.Duration(i) * time.Minute),
			Open:        px, High: px, Low: px, Close: px, Volume: decimal.Zero, Ticks: 1,
		})
	}

	e, err := New(testConfig(), Deps{
		History: fakeHistory{candles: map[string][]model.Candle{"BTC/USDT": hist}},
		Source:  newChanSource(),
		Log:     quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(e.GetSnapshot().Candles("BTC/USDT")); got != 3 {
		t.Fatalf("preloaded %d candles, want 3", got)
	}
	if c, ok := e.synth.LastClose("BTC/USDT"); !ok || !c.Equal(hist[2].Close) {
		t.Fatalf("seeded close %s", c)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	cs := e.GetSnapshot().Candles("BTC/USDT")
	if len(cs) < 5 {
		t.Fatalf("after stop %d candles, want at least 5", len(cs))
	}
	for i := 1; i < len(cs); i++ {
		if !cs[i].BucketStart.Equal(cs[i-1].BucketStart.Add(time.Minute)) {
			t.Fatalf("gap between %v and %v", cs[i-1].BucketStart, cs[i].BucketStart)
		}
	}
	for _, c := range cs[3:] {
		if !c.IsSynthetic || !c.Close.Equal(hist[2].Close) || !c.Volume.IsZero() {
			t.Errorf("filled candle %+v", c)
		}
	}
	if e.GetSnapshot().Candles("ETH/USDT") != nil {
		t.Error("ETH has no history and no ticks; expected no candles")
	}
}

func TestEngine_StartTwiceAndStopWithoutStart(t *testing.T) {
	e, err := New(testConfig(), Deps{Source: newChanSource(), Log: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}

	e2, _ := New(testConfig(), Deps{Source: newChanSource(), Log: quiet})
	if err := e2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e2.Start(context.Background()); err == nil {
		t.Error("second start should fail")
	}
	if err := e2.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_RuleSourceErrorKeepsRunning(t *testing.T) {
	rules := intervention.NewStaticSource()
	rules.Err = errors.New("rules db down")
	src := newChanSource()
	e, err := New(testConfig(), Deps{Rules: rules, Source: src, Log: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start should not fail on rule errors: %v", err)
	}
	src.ticks <- model.Tick{Instrument: "BTC/USDT", Price: decimal.NewFromInt(65000), Timestamp: time.Now()}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	tk, ok := e.GetSnapshot().Latest("BTC/USDT")
	if !ok || tk.Overridden() {
		t.Errorf("tick %+v", tk)
	}
}

func TestEngine_FutureTimestampClampedToWallClock(t *testing.T) {
	src := newChanSource()
	col := &collector{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	e, err := New(testConfig(), Deps{
		Source:     src,
		Persisters: []Persister{{Name: "test", Run: col.run}},
		Metrics:    m,
		Log:        quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A vendor clock ten minutes ahead, then a tick on time.
	src.ticks <- model.Tick{Instrument: "BTC/USDT", Price: decimal.NewFromInt(65000), Timestamp: time.Now().Add(10 * time.Minute), Source: "test"}
	src.ticks <- model.Tick{Instrument: "BTC/USDT", Price: decimal.NewFromInt(65010), Timestamp: time.Now(), Source: "test"}

	if open, ok := e.OpenCandle("BTC/USDT"); !ok || open.BucketStart.After(time.Now()) {
		t.Fatalf("open candle %+v ok=%v, want a bucket that has started", open, ok)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	stopped := time.Now()

	for _, c := range col.byInterval(time.Minute) {
		if c.BucketStart.After(stopped) {
			t.Errorf("candle for a bucket that has not started: %+v", c)
		}
	}
	if tk, ok := e.GetSnapshot().Latest("BTC/USDT"); !ok || tk.Timestamp.After(stopped) {
		t.Errorf("latest tick %+v, want timestamp clamped to the wall clock", tk)
	}
	if got := testutil.ToFloat64(m.ClampedTicks); got < 1 {
		t.Errorf("clamped ticks %v, want at least 1", got)
	}
}
