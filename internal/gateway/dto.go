package gateway

import (
	"time"

	"intervention-engine/internal/model"
)

// CandlesOut is the REST response type for /api/candles.
type CandlesOut struct {
	Instrument string         `json:"instrument"`
	Version    uint64         `json:"version"`
	Candles    []model.Candle `json:"candles"`
	Forming    *model.Candle  `json:"forming,omitempty"`
}

// LatestTicksOut is the REST response type for /api/ticks/latest.
type LatestTicksOut struct {
	Version uint64                `json:"version"`
	TakenAt time.Time             `json:"taken_at"`
	Ticks   map[string]model.Tick `json:"ticks"`
}

// EffectiveRuleOut is the REST response type for /api/rules/effective.
type EffectiveRuleOut struct {
	Instrument string                  `json:"instrument"`
	AsOf       time.Time               `json:"as_of"`
	Active     bool                    `json:"active"`
	Rule       *model.InterventionRule `json:"rule,omitempty"`
	Progress   float64                 `json:"progress"`
}

type errorOut struct {
	Error string `json:"error"`
}
