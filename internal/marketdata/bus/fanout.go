// Package bus distributes closed candles from the synthesizer to every
// downstream consumer without letting a slow consumer stall synthesis.
package bus

import (
	"log/slog"
	"sync"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// FanOut is a model.CandleSink that broadcasts every closed candle to
// inline sinks (called synchronously, must be fast) and to buffered
// subscriber channels. If a subscriber channel is full the candle is dropped
// for that subscriber only.
type FanOut struct {
	mu      sync.RWMutex
	inline  []model.CandleSink
	outputs []subscriber
	bufSize int
	closed  bool

	// OnDrop is called when c is dropped for a subscriber. Without it the
	// drop is logged.
	OnDrop func(subscriber string, c model.Candle)
}

type subscriber struct {
	name string
	ch   chan model.Candle
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	if outputBufferSize < 1 {
		outputBufferSize = 1
	}
	return &FanOut{bufSize: outputBufferSize}
}

// Attach registers a sink that is called synchronously for every candle,
// in registration order.
func (f *FanOut) Attach(sink model.CandleSink) {
	f.mu.Lock()
	f.inline = append(f.inline, sink)
	f.mu.Unlock()
}

// Subscribe creates and returns a new named output channel. The channel is
// closed by Close.
func (f *FanOut) Subscribe(name string) <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	if f.closed {
		close(ch)
	} else {
		f.outputs = append(f.outputs, subscriber{name: name, ch: ch})
	}
	f.mu.Unlock()
	return ch
}

// OnCandleClosed delivers c to every inline sink and subscriber.
// It never blocks on a subscriber.
func (f *FanOut) OnCandleClosed(c model.Candle) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.inline {
		s.OnCandleClosed(c)
	}
	if f.closed {
		return
	}
	for _, out := range f.outputs {
		select {
		case out.ch <- c:
		default:
			if f.OnDrop != nil {
				f.OnDrop(out.name, c)
			} else {
				logger.Component(slog.Default(), "bus").Warn("subscriber channel full, dropping candle",
					slog.String("subscriber", out.name),
					slog.String("instrument", c.Instrument),
					slog.Time("bucket_start", c.BucketStart))
			}
		}
	}
}

// Close closes every subscriber channel. Later candles still reach inline
// sinks. Close is idempotent.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, out := range f.outputs {
		close(out.ch)
	}
}

// ChannelStat reports the saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the length and capacity of each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, out := range f.outputs {
		stats[i] = ChannelStat{Name: out.name, Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}
