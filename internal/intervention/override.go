package intervention

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
)

// MaxNoiseBound caps the multiplicative noise applied to overridden prices (0.1%).
const MaxNoiseBound = 0.001

// pricePlaces is the number of decimal places overridden prices are rounded to.
const pricePlaces = 8

// Overrider computes overridden ticks. Apply has no side effects beyond
// drawing random numbers and is safe for concurrent use as long as Rand is.
type Overrider struct {
	// NoiseBound is the maximum relative noise magnitude, capped at MaxNoiseBound.
	NoiseBound float64

	// Rand returns a uniform value in [0, 1). Defaults to math/rand/v2's
	// global source, which is safe for concurrent use.
	Rand func() float64
}

// NewOverrider creates an Overrider with the given noise bound.
func NewOverrider(noiseBound float64) *Overrider {
	return &Overrider{NoiseBound: clampNoise(noiseBound), Rand: rand.Float64}
}

// Apply returns tick with its price replaced according to ov.
// With no active override the tick is returned unchanged. Volume always
// passes through.
func (o *Overrider) Apply(tick model.Tick, ov model.EffectiveOverride) model.Tick {
	if !ov.Active() {
		return tick
	}
	rule := ov.Rule
	span := rule.MaxPrice.Sub(rule.MinPrice)

	var price decimal.Decimal
	switch rule.Trend {
	case model.TrendUp:
		price = rule.MinPrice.Add(span.Mul(fraction(ov.Progress)))
	case model.TrendDown:
		price = rule.MaxPrice.Sub(span.Mul(fraction(ov.Progress)))
	case model.TrendRandom:
		price = rule.MinPrice.Add(span.Mul(fraction(o.uniform())))
	default:
		// Validate rejects unknown trends before they get here.
		return tick
	}

	price = o.noisy(price)
	price = clampPrice(price, rule.MinPrice, rule.MaxPrice).Round(pricePlaces)

	out := tick
	out.Price = price
	out.RuleID = rule.ID
	return out
}

// noisy multiplies price by (1 + n) with n uniform in [-bound, +bound].
func (o *Overrider) noisy(price decimal.Decimal) decimal.Decimal {
	bound := clampNoise(o.NoiseBound)
	if bound == 0 {
		return price
	}
	n := (o.uniform()*2 - 1) * bound
	return price.Mul(decimal.NewFromFloat(1 + n))
}

func (o *Overrider) uniform() float64 {
	if o.Rand == nil {
		return rand.Float64()
	}
	u := o.Rand()
	if u < 0 || u >= 1 || u != u {
		return 0.5
	}
	return u
}

func fraction(p float64) decimal.Decimal {
	switch {
	case p != p || p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	return decimal.NewFromFloat(p)
}

func clampNoise(b float64) float64 {
	switch {
	case b != b || b < 0:
		return 0
	case b > MaxNoiseBound:
		return MaxNoiseBound
	}
	return b
}

func clampPrice(p, lo, hi decimal.Decimal) decimal.Decimal {
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p
}
