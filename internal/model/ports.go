package model

import (
	"context"
	"time"
)

// ── Ports ──
// These interfaces decouple the engine from concrete feeds and stores
// (Redis, SQLite, YAML files, WebSocket/REST upstreams).

// RuleSource is the administrative store of intervention rules.
type RuleSource interface {
	// GetActiveRules returns the enabled candidate rules for instrument as of
	// asOf. Conflict resolution is the caller's job.
	GetActiveRules(ctx context.Context, instrument string, asOf time.Time) ([]InterventionRule, error)
}

// CandleSink receives closed candles in bucket order per instrument.
// Implementations must not block for long: the caller holds the
// instrument's candle lock.
type CandleSink interface {
	OnCandleClosed(c Candle)
}

// CandleSinkFunc adapts a function to CandleSink.
type CandleSinkFunc func(c Candle)

// OnCandleClosed calls f(c).
func (f CandleSinkFunc) OnCandleClosed(c Candle) { f(c) }

// CandleHistory reads previously persisted candles for the bounded
// look-back warm start.
type CandleHistory interface {
	// RecentCandles returns up to limit closed candles for instrument at the
	// given interval, oldest first.
	RecentCandles(ctx context.Context, instrument string, interval time.Duration, limit int) ([]Candle, error)
}
