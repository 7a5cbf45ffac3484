package model

import "time"

// Snapshot is an immutable read view of the latest ticks and recent closed
// candles. A new Snapshot replaces the previous one wholesale; callers must
// treat the maps and slices as read-only.
type Snapshot struct {
	Version       uint64              `json:"version"`
	TakenAt       time.Time           `json:"taken_at"`
	LatestTicks   map[string]Tick     `json:"latest_ticks"`
	RecentCandles map[string][]Candle `json:"recent_candles"` // oldest first
}

// Latest returns the most recent tick for instrument.
func (s *Snapshot) Latest(instrument string) (Tick, bool) {
	if s == nil {
		return Tick{}, false
	}
	t, ok := s.LatestTicks[instrument]
	return t, ok
}

// Candles returns the retained closed candles for instrument, oldest first.
func (s *Snapshot) Candles(instrument string) []Candle {
	if s == nil {
		return nil
	}
	return s.RecentCandles[instrument]
}

// LastCandle returns the newest retained closed candle for instrument.
func (s *Snapshot) LastCandle(instrument string) (Candle, bool) {
	cs := s.Candles(instrument)
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}
