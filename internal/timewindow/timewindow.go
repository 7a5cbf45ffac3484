// Package timewindow implements wall-clock time-of-day windows that may wrap
// past midnight, e.g. 22:00–02:00.
package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day is the length of one wall-clock day.
const Day = 24 * time.Hour

// TimeOfDay is an offset from local midnight, in [0, 24h).
type TimeOfDay time.Duration

// Clock builds a TimeOfDay from hours, minutes and seconds.
func Clock(h, m, s int) TimeOfDay {
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// Parse reads "HH:MM" or "HH:MM:SS".
func Parse(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HH:MM or HH:MM:SS", s)
	}
	limits := []int{24, 60, 60}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("time of day %q: bad field %q", s, p)
		}
		vals[i] = n
	}
	return Clock(vals[0], vals[1], vals[2]), nil
}

// Of returns the time of day of t in loc.
func Of(t time.Time, loc *time.Location) TimeOfDay {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Clock(lt.Hour(), lt.Minute(), lt.Second()) + TimeOfDay(lt.Nanosecond())
}

// Valid reports whether d lies in [0, 24h).
func (d TimeOfDay) Valid() bool {
	return d >= 0 && time.Duration(d) < Day
}

func (d TimeOfDay) String() string {
	td := time.Duration(d)
	h := int(td / time.Hour)
	m := int(td%time.Hour) / int(time.Minute)
	s := int(td%time.Minute) / int(time.Second)
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// MarshalText renders the time of day as "HH:MM[:SS]".
func (d TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses "HH:MM[:SS]".
func (d *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Window is a half-open [Start, End) time-of-day interval.
// Start > End means the window spans midnight.
type Window struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Validate rejects out-of-range bounds and zero-length windows.
func (w Window) Validate() error {
	if !w.Start.Valid() || !w.End.Valid() {
		return fmt.Errorf("window %s–%s: bound outside 00:00–24:00", w.Start, w.End)
	}
	if w.Start == w.End {
		return fmt.Errorf("window %s–%s: zero length", w.Start, w.End)
	}
	return nil
}

// Wraps reports whether the window crosses midnight.
func (w Window) Wraps() bool {
	return w.Start > w.End
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return mod(time.Duration(w.End - w.Start))
}

// ContainsTOD reports whether tod falls inside the window.
func (w Window) ContainsTOD(tod TimeOfDay) bool {
	if w.Wraps() {
		return tod >= w.Start || tod < w.End
	}
	return w.Start <= tod && tod < w.End
}

// Contains reports whether t's time of day in loc falls inside the window.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	return w.ContainsTOD(Of(t, loc))
}

// Progress returns the elapsed fraction of the window at t, clamped to [0, 1].
// For a time outside the window the result is meaningless but still clamped.
func (w Window) Progress(t time.Time, loc *time.Location) float64 {
	total := w.Duration()
	if total <= 0 {
		return 0
	}
	elapsed := mod(time.Duration(Of(t, loc) - w.Start))
	p := float64(elapsed) / float64(total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// StartedAt returns the absolute instant the occurrence of the window that
// contains t began.
func (w Window) StartedAt(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	elapsed := mod(time.Duration(Of(t, loc) - w.Start))
	return t.Add(-elapsed)
}

func (w Window) String() string {
	return w.Start.String() + "–" + w.End.String()
}

func mod(d time.Duration) time.Duration {
	d %= Day
	if d < 0 {
		d += Day
	}
	return d
}
