package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intervention-engine/internal/model"
)

const (
	defaultStreamWindow = 24 * time.Hour
	minStreamMaxLen     = 200
	defaultLatestTTL    = 30 * time.Minute
)

// WriterConfig configures the candle writer.
type WriterConfig struct {
	// StreamWindow is how much candle history each stream keeps; MAXLEN is
	// derived per interval. Defaults to 24h.
	StreamWindow time.Duration

	// LatestTTL expires the latest-candle key. Defaults to 30m.
	LatestTTL time.Duration
}

// Writer writes closed candles to Redis.
type Writer struct {
	client goredis.Cmdable
	cfg    WriterConfig

	// OnWrite is called with the pipeline latency of each write (optional).
	OnWrite func(d time.Duration)
}

// NewWriter creates a Writer on client.
func NewWriter(client goredis.Cmdable, cfg WriterConfig) *Writer {
	if cfg.StreamWindow <= 0 {
		cfg.StreamWindow = defaultStreamWindow
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	return &Writer{client: client, cfg: cfg}
}

// WriteCandle performs the pipelined SET latest + XADD + PUBLISH for c.
func (w *Writer) WriteCandle(ctx context.Context, c model.Candle) error {
	start := time.Now()
	jsonData := string(c.JSON())

	pipe := w.client.Pipeline()

	// SET latest candle with TTL
	pipe.Set(ctx, LatestKey(c.Interval, c.Instrument), jsonData, w.cfg.LatestTTL)

	// XADD to stream with approximate trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(c.Interval, c.Instrument),
		MaxLen: streamMaxLen(w.cfg.StreamWindow, c.Interval),
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})

	// PUBLISH for real-time subscribers
	pipe.Publish(ctx, Channel(c.Interval, c.Instrument), jsonData)

	_, err := pipe.Exec(ctx)
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("redis candle pipeline %s %s: %w", c.Instrument, c.IntervalLabel(), err)
	}
	return nil
}

// streamMaxLen keeps window worth of candles at interval, plus a buffer.
func streamMaxLen(window, interval time.Duration) int64 {
	if interval <= 0 {
		return minStreamMaxLen
	}
	n := int64(window/interval) + 100
	if n < minStreamMaxLen {
		n = minStreamMaxLen
	}
	return n
}

func intervalLabel(d time.Duration) string { return model.IntervalLabel(d) }
