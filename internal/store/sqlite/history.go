package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
)

// RecentCandles returns up to limit stored candles for instrument at
// interval, oldest first. It implements model.CandleHistory.
func (s *Store) RecentCandles(ctx context.Context, instrument string, interval time.Duration, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, open, high, low, close, volume, ticks, is_synthetic
		FROM candles
		WHERE instrument = ? AND interval_s = ?
		ORDER BY bucket_start DESC
		LIMIT ?`,
		instrument, int64(interval/time.Second), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query candles %s: %w", instrument, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			ts               int64
			o, h, l, c, v    string
			ticks, synthetic int
		)
		if err := rows.Scan(&ts, &o, &h, &l, &c, &v, &ticks, &synthetic); err != nil {
			return nil, err
		}
		candle := model.Candle{
			Instrument:  instrument,
			Interval:    interval,
			BucketStart: time.Unix(ts, 0).UTC(),
			Ticks:       ticks,
			IsSynthetic: synthetic != 0,
		}
		var perr error
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{{&candle.Open, o}, {&candle.High, h}, {&candle.Low, l}, {&candle.Close, c}, {&candle.Volume, v}} {
			if *f.dst, perr = decimal.NewFromString(f.raw); perr != nil {
				break
			}
		}
		if perr != nil {
			return nil, fmt.Errorf("candle %s at %d: %w", instrument, ts, perr)
		}
		out = append(out, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastBucket returns the newest stored bucket start for instrument at
// interval, or the zero time if none exists.
func (s *Store) LastBucket(ctx context.Context, instrument string, interval time.Duration) (time.Time, error) {
	var ts *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(bucket_start) FROM candles WHERE instrument = ? AND interval_s = ?`,
		instrument, int64(interval/time.Second),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return time.Unix(*ts, 0).UTC(), nil
}
