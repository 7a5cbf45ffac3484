package bus

import (
	"testing"
	"time"

	"intervention-engine/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("redis")
	out2 := fo.Subscribe("sqlite")

	var inline []model.Candle
	fo.Attach(model.CandleSinkFunc(func(c model.Candle) { inline = append(inline, c) }))

	fo.OnCandleClosed(model.Candle{Instrument: "BTC/USDT"})

	for name, ch := range map[string]<-chan model.Candle{"out1": out1, "out2": out2} {
		select {
		case c := <-ch:
			if c.Instrument != "BTC/USDT" {
				t.Errorf("%s: expected BTC/USDT, got %s", name, c.Instrument)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for candle", name)
		}
	}
	if len(inline) != 1 {
		t.Errorf("expected inline sink to see 1 candle, got %d", len(inline))
	}
}

func TestFanOut_DropsForSlowConsumer(t *testing.T) {
	fo := New(1)
	_ = fo.Subscribe("slow")
	fast := fo.Subscribe("fast")

	var drops []string
	fo.OnDrop = func(name string, _ model.Candle) { drops = append(drops, name) }

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			fo.OnCandleClosed(model.Candle{Ticks: i})
			<-fast
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a full subscriber")
	}
	if len(drops) != 4 {
		t.Fatalf("expected 4 drops, got %d", len(drops))
	}
	for _, d := range drops {
		if d != "slow" {
			t.Errorf("expected drops only for slow, got %q", d)
		}
	}
}

func TestFanOut_DropReportsCandle(t *testing.T) {
	fo := New(1)
	_ = fo.Subscribe("redis")

	type drop struct {
		sub, inst string
	}
	var drops []drop
	fo.OnDrop = func(name string, c model.Candle) { drops = append(drops, drop{name, c.Instrument}) }

	fo.OnCandleClosed(model.Candle{Instrument: "BTC/USDT"})
	fo.OnCandleClosed(model.Candle{Instrument: "ETH/USDT"})

	if len(drops) != 1 || drops[0] != (drop{"redis", "ETH/USDT"}) {
		t.Fatalf("expected one drop of ETH/USDT for redis, got %+v", drops)
	}
}

func TestFanOut_CloseIsIdempotent(t *testing.T) {
	fo := New(4)
	out := fo.Subscribe("a")
	fo.Close()
	fo.Close()

	if _, ok := <-out; ok {
		t.Error("expected closed channel")
	}
	// Publishing after close must not panic.
	fo.OnCandleClosed(model.Candle{})

	late := fo.Subscribe("late")
	if _, ok := <-late; ok {
		t.Error("subscribing after close should return a closed channel")
	}

	stats := fo.ChannelStats()
	if len(stats) != 1 || stats[0].Name != "a" || stats[0].Cap != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
