package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV aggregate over one fixed-duration bucket.
// BucketStart is aligned to Interval (UTC).
type Candle struct {
	Instrument  string          `json:"instrument"`
	Interval    time.Duration   `json:"interval"`
	BucketStart time.Time       `json:"bucket_start"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Ticks       int             `json:"ticks"`
	IsSynthetic bool            `json:"is_synthetic"`
}

// BucketEnd returns the exclusive end of the candle's bucket.
func (c *Candle) BucketEnd() time.Time {
	return c.BucketStart.Add(c.Interval)
}

// IntervalLabel returns a short label for the candle interval, e.g. "1m".
func (c *Candle) IntervalLabel() string {
	return IntervalLabel(c.Interval)
}

// Consistent reports whether high >= max(open, close) and low <= min(open, close).
func (c *Candle) Consistent() bool {
	return c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)) &&
		c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close))
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// IntervalLabel renders a duration the way chart consumers name intervals.
func IntervalLabel(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return itoa(int(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return itoa(int(d/time.Minute)) + "m"
	case d >= time.Second && d%time.Second == 0:
		return itoa(int(d/time.Second)) + "s"
	default:
		return itoa(int(d/time.Millisecond)) + "ms"
	}
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
