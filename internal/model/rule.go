package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/timewindow"
)

// Trend is the direction an intervention rule forces the price in.
// It is a closed set: every switch over Trend handles all three values.
type Trend int

const (
	TrendUp Trend = iota + 1
	TrendDown
	TrendRandom
)

func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	case TrendRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known trends.
func (t Trend) Valid() bool {
	switch t {
	case TrendUp, TrendDown, TrendRandom:
		return true
	default:
		return false
	}
}

// ParseTrend accepts "up", "down" or "random" in any case.
func ParseTrend(s string) (Trend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "rise", "bull":
		return TrendUp, nil
	case "down", "fall", "bear":
		return TrendDown, nil
	case "random", "rand":
		return TrendRandom, nil
	default:
		return 0, fmt.Errorf("%w: unknown trend %q", ErrInvalidRule, s)
	}
}

// MarshalText renders the trend name.
func (t Trend) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: trend %d", ErrInvalidRule, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses a trend name.
func (t *Trend) UnmarshalText(b []byte) error {
	v, err := ParseTrend(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// InterventionRule is an administrator-authored directive that forces an
// instrument's price toward a trend within [MinPrice, MaxPrice] during a
// daily time-of-day window.
type InterventionRule struct {
	ID         string            `json:"id"`
	Instrument string            `json:"instrument"`
	Window     timewindow.Window `json:"window"`
	MinPrice   decimal.Decimal   `json:"min_price"`
	MaxPrice   decimal.Decimal   `json:"max_price"`
	Trend      Trend             `json:"trend"`
	Priority   int               `json:"priority"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the rule invariants. The returned error wraps ErrInvalidRule.
func (r *InterventionRule) Validate() error {
	if r.Instrument == "" {
		return fmt.Errorf("%w: rule %s has no instrument", ErrInvalidRule, r.ID)
	}
	if !r.Trend.Valid() {
		return fmt.Errorf("%w: rule %s has unknown trend %d", ErrInvalidRule, r.ID, int(r.Trend))
	}
	if !r.MinPrice.IsPositive() {
		return fmt.Errorf("%w: rule %s min price %s must be positive", ErrInvalidRule, r.ID, r.MinPrice)
	}
	if r.MinPrice.GreaterThan(r.MaxPrice) {
		return fmt.Errorf("%w: rule %s min price %s > max price %s", ErrInvalidRule, r.ID, r.MinPrice, r.MaxPrice)
	}
	if err := r.Window.Validate(); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.ID, err)
	}
	return nil
}

// NewerThan orders rules by creation: later CreatedAt wins, then the larger id.
// Time-ordered (v7) ids make the id comparison agree with creation order.
func (r *InterventionRule) NewerThan(o *InterventionRule) bool {
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.After(o.CreatedAt)
	}
	return r.ID > o.ID
}

// EffectiveOverride is the resolved outcome for one instrument at one instant:
// either none (Rule == nil) or an active rule with its window progress.
type EffectiveOverride struct {
	Rule     *InterventionRule `json:"rule,omitempty"`
	Progress float64           `json:"progress"`
}

// NoOverride is the zero EffectiveOverride.
var NoOverride = EffectiveOverride{}

// Active reports whether a rule applies.
func (o EffectiveOverride) Active() bool {
	return o.Rule != nil
}
