package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single price/volume observation for one instrument.
// Ticks are values: an override produces a new Tick, never edits one in place.
type Tick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  time.Time       `json:"ts"`

	// Source names the adapter that produced the tick ("rest", "stream", "walk").
	Source string `json:"source,omitempty"`

	// RuleID is set when the price was produced by an intervention rule.
	RuleID string `json:"rule_id,omitempty"`

	// TraceID identifies the fetch or frame the tick came from, for logs.
	TraceID string `json:"-"`
}

// Overridden reports whether an intervention rule produced this price.
func (t Tick) Overridden() bool {
	return t.RuleID != ""
}
