package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// CandleWriter writes one candle. *Writer implements it.
type CandleWriter interface {
	WriteCandle(ctx context.Context, c model.Candle) error
}

// BufferedWriter wraps a CandleWriter with a circuit breaker. Candles that
// cannot be written (breaker open or write failed) are kept in a bounded
// local buffer and replayed in order once the breaker closes again.
type BufferedWriter struct {
	writer CandleWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu     sync.Mutex
	buffer []model.Candle
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	flushMu sync.Mutex

	// Callbacks (optional)
	OnBuffer func()          // a write was buffered
	OnDrop   func()          // the oldest buffered write was dropped
	OnFlush  func(count int) // buffered writes were replayed
}

// NewBufferedWriter creates a BufferedWriter around w.
func NewBufferedWriter(ctx context.Context, w CandleWriter, cb *CircuitBreaker, maxBufferSize int, log *slog.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if log == nil {
		log = slog.Default()
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    logger.Component(log, "redis-writer"),
		buffer: make([]model.Candle, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.Flush()
		}
	}
	return bw
}

// WriteCandle writes c through the circuit breaker, buffering it on failure.
func (bw *BufferedWriter) WriteCandle(c model.Candle) {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteCandle(bw.ctx, c)
	})
	if err == nil {
		return
	}
	if !errors.Is(err, ErrCircuitOpen) {
		bw.log.Warn("candle write failed, buffering",
			slog.String("instrument", c.Instrument),
			slog.String("error", err.Error()))
	}
	bw.bufferWrite(c)
}

// Run writes candles from ch until it is closed or ctx is cancelled.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			bw.WriteCandle(c)
		}
	}
}

func (bw *BufferedWriter) bufferWrite(c model.Candle) {
	bw.mu.Lock()
	dropped := false
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		dropped = true
	}
	bw.buffer = append(bw.buffer, c)
	bw.mu.Unlock()

	if dropped && bw.OnDrop != nil {
		bw.OnDrop()
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered writes in order. It stops at the first failure and
// keeps the remainder buffered.
func (bw *BufferedWriter) Flush() {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	toFlush := bw.buffer
	bw.buffer = make([]model.Candle, 0, 256)
	bw.mu.Unlock()
	if len(toFlush) == 0 {
		return
	}

	flushed := 0
	for i, c := range toFlush {
		if err := bw.writer.WriteCandle(bw.ctx, c); err != nil {
			bw.requeue(toFlush[i:])
			bw.log.Warn("replay of buffered candles interrupted",
				slog.Int("flushed", flushed),
				slog.Int("remaining", len(toFlush)-i),
				slog.String("error", err.Error()))
			break
		}
		flushed++
	}

	if flushed > 0 {
		bw.log.Info("flushed buffered candle writes", slog.Int("count", flushed))
		if bw.OnFlush != nil {
			bw.OnFlush(flushed)
		}
	}
}

// requeue puts rest back in front of anything buffered meanwhile.
func (bw *BufferedWriter) requeue(rest []model.Candle) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	merged := append(append(make([]model.Candle, 0, len(rest)+len(bw.buffer)), rest...), bw.buffer...)
	if over := len(merged) - bw.maxBuf; over > 0 {
		merged = merged[over:]
	}
	bw.buffer = merged
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
