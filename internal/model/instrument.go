package model

import "github.com/shopspring/decimal"

// Instrument is a configured tradable pair. Instruments are fixed at startup.
type Instrument struct {
	Symbol string `json:"symbol"` // e.g. "BTC/USDT"

	// SeedPrice starts the fallback random walk when no price has been seen yet.
	SeedPrice decimal.Decimal `json:"seed_price"`
}

// VendorSymbol returns the symbol with separators removed ("BTC/USDT" → "BTCUSDT"),
// which is how most REST vendors spell pairs.
func (i Instrument) VendorSymbol() string {
	out := make([]byte, 0, len(i.Symbol))
	for j := 0; j < len(i.Symbol); j++ {
		switch c := i.Symbol[j]; c {
		case '/', '-', '_', ':':
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
