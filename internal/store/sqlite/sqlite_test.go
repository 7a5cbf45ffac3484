package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
	"intervention-engine/internal/timewindow"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "engine.db"), FlushDelay: 10 * time.Millisecond}, quiet)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func candleAt(i int, closePx string) model.Candle {
	px := decimal.RequireFromString(closePx)
	return model.Candle{
		Instrument:  "BTC/USDT",
		Interval:    time.Minute,
		BucketStart: time.Date(2026, 3, 10, 10, i, 0, 0, time.UTC),
		Open:        px,
		High:        px,
		Low:         px,
		Close:       px,
		Volume:      decimal.Zero,
		IsSynthetic: i%2 == 1,
	}
}

func TestRecentCandles_OldestFirstAndLimited(t *testing.T) {
	s := openTemp(t)
	var in []model.Candle
	for i := 0; i < 5; i++ {
		in = append(in, candleAt(i, "65000.5"))
	}
	if err := s.InsertCandles(in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.RecentCandles(context.Background(), "BTC/USDT", time.Minute, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candles, want 3", len(got))
	}
	for i, c := range got {
		want := in[i+2]
		if !c.BucketStart.Equal(want.BucketStart) {
			t.Errorf("candle %d bucket %v, want %v", i, c.BucketStart, want.BucketStart)
		}
		if !c.Close.Equal(want.Close) {
			t.Errorf("candle %d close %s, want %s", i, c.Close, want.Close)
		}
		if c.IsSynthetic != want.IsSynthetic {
			t.Errorf("candle %d synthetic %v, want %v", i, c.IsSynthetic, want.IsSynthetic)
		}
	}

	other, err := s.RecentCandles(context.Background(), "BTC/USDT", 5*time.Minute, 3)
	if err != nil || len(other) != 0 {
		t.Fatalf("other interval: %d candles, err %v", len(other), err)
	}
}

func TestInsertCandles_ReplacesSameBucket(t *testing.T) {
	s := openTemp(t)
	if err := s.InsertCandles([]model.Candle{candleAt(0, "1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCandles([]model.Candle{candleAt(0, "2")}); err != nil {
		t.Fatal(err)
	}
	got, err := s.RecentCandles(context.Background(), "BTC/USDT", time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Close.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("got %+v, want one candle closing at 2", got)
	}

	last, err := s.LastBucket(context.Background(), "BTC/USDT", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(candleAt(0, "1").BucketStart) {
		t.Errorf("last bucket %v", last)
	}
}

func TestRun_FlushesOnCloseAndTimer(t *testing.T) {
	s := openTemp(t)
	var committed int
	s.OnCommit = func(n int, _ time.Duration) { committed += n }

	ch := make(chan model.Candle, 10)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), ch)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		ch <- candleAt(i, "100")
	}
	close(ch)
	<-done

	if committed != 3 {
		t.Fatalf("committed %d, want 3", committed)
	}
	got, _ := s.RecentCandles(context.Background(), "BTC/USDT", time.Minute, 10)
	if len(got) != 3 {
		t.Fatalf("stored %d, want 3", len(got))
	}
}

func TestRules_SaveAndReadEnabled(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	rules := []model.InterventionRule{
		{
			ID: "b", Instrument: "BTC/USDT",
			Window:   timewindow.Window{Start: timewindow.Clock(22, 0, 0), End: timewindow.Clock(2, 0, 0)},
			MinPrice: decimal.NewFromInt(65000), MaxPrice: decimal.NewFromInt(66000),
			Trend: model.TrendUp, Priority: 2, Enabled: true, CreatedAt: base.Add(time.Minute),
		},
		{
			ID: "a", Instrument: "BTC/USDT",
			Window:   timewindow.Window{Start: timewindow.Clock(10, 0, 30), End: timewindow.Clock(11, 0, 0)},
			MinPrice: decimal.RequireFromString("0.5"), MaxPrice: decimal.NewFromInt(1),
			Trend: model.TrendRandom, Enabled: true, CreatedAt: base,
		},
		{
			ID: "off", Instrument: "BTC/USDT",
			Window:   timewindow.Window{Start: timewindow.Clock(1, 0, 0), End: timewindow.Clock(2, 0, 0)},
			MinPrice: decimal.NewFromInt(1), MaxPrice: decimal.NewFromInt(2),
			Trend: model.TrendDown, Enabled: false, CreatedAt: base,
		},
		{
			ID: "eth", Instrument: "ETH/USDT",
			Window:   timewindow.Window{Start: timewindow.Clock(1, 0, 0), End: timewindow.Clock(2, 0, 0)},
			MinPrice: decimal.NewFromInt(1), MaxPrice: decimal.NewFromInt(2),
			Trend: model.TrendDown, Enabled: true, CreatedAt: base,
		},
	}
	for _, r := range rules {
		if err := s.SaveRule(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	got, err := s.GetActiveRules(ctx, "BTC/USDT", base)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rules, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("order %s,%s; want a,b", got[0].ID, got[1].ID)
	}
	if got[0].Window != rules[1].Window || got[0].Trend != model.TrendRandom {
		t.Errorf("rule a round trip: %+v", got[0])
	}
	if !got[1].MinPrice.Equal(rules[0].MinPrice) || got[1].Priority != 2 || !got[1].CreatedAt.Equal(rules[0].CreatedAt) {
		t.Errorf("rule b round trip: %+v", got[1])
	}
	for _, r := range got {
		if err := r.Validate(); err != nil {
			t.Errorf("stored rule invalid: %v", err)
		}
	}

	if err := s.DeleteRule(ctx, "ETH/USDT", "a"); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetActiveRules(ctx, "BTC/USDT", base); len(got) != 2 {
		t.Errorf("delete under another instrument removed a rule, %d left", len(got))
	}
	if err := s.DeleteRule(ctx, "BTC/USDT", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetActiveRules(ctx, "BTC/USDT", base)
	if len(got) != 1 {
		t.Errorf("after delete got %d rules, want 1", len(got))
	}
}

func TestSaveRule_RejectsMissingID(t *testing.T) {
	s := openTemp(t)
	err := s.SaveRule(context.Background(), model.InterventionRule{Trend: model.TrendUp})
	if err == nil {
		t.Fatal("expected error")
	}
}
