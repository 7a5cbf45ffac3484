// Package config loads engine configuration from the environment, after an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"intervention-engine/internal/intervention"
	"intervention-engine/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Instruments is "SYMBOL:SEED_PRICE,..." e.g. "BTC/USDT:65000,ETH/USDT:3200".
	// The seed price is optional.
	Instruments []string `env:"INSTRUMENTS" envSeparator:","`

	Candles  CandleConfig
	Snapshot SnapshotConfig
	Rules    RulesConfig
	Feed     FeedConfig
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	SQLite   SQLiteConfig   `envPrefix:"SQLITE_"`
	Server   ServerConfig
	Log      LogConfig      `envPrefix:"LOG_"`
}

// CandleConfig configures aggregation.
type CandleConfig struct {
	Bucket          time.Duration   `env:"CANDLE_BUCKET" envDefault:"1m"`
	CloseGrace      time.Duration   `env:"CLOSE_GRACE" envDefault:"0s"`
	LookbackBuckets int             `env:"LOOKBACK_BUCKETS" envDefault:"1440"`
	RollupIntervals []time.Duration `env:"ROLLUP_INTERVALS" envSeparator:"," envDefault:"5m,15m"`
}

// SnapshotConfig configures the published read view.
type SnapshotConfig struct {
	Refresh        time.Duration `env:"SNAPSHOT_REFRESH" envDefault:"5s"`
	RetentionDepth int           `env:"RETENTION_DEPTH" envDefault:"120"`
}

// RulesConfig configures the intervention rule source.
type RulesConfig struct {
	Source     string        `env:"RULE_SOURCE" envDefault:"file"` // file|redis|sqlite
	File       string        `env:"RULES_FILE" envDefault:"rules.yaml"`
	Refresh    time.Duration `env:"RULE_REFRESH" envDefault:"5s"`
	Timezone   string        `env:"RULE_TIMEZONE" envDefault:"UTC"`
	NoiseBound float64       `env:"NOISE_BOUND" envDefault:"0.0005"`
}

// FeedConfig configures the upstream tick source.
type FeedConfig struct {
	Mode         string        `env:"FEED_MODE"` // rest|ws|walk, empty picks whichever is configured
	PollURL      string        `env:"POLL_URL"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"4s"`
	PricePath    string        `env:"POLL_PRICE_PATH" envDefault:"price"`
	VolumePath   string        `env:"POLL_VOLUME_PATH" envDefault:"volume"`
	TSPath       string        `env:"POLL_TIMESTAMP_PATH"`
	RateLimit    float64       `env:"POLL_RATE_LIMIT" envDefault:"10"`
	APIKey       string        `env:"UPSTREAM_API_KEY"`
	TOTPSecret   string        `env:"UPSTREAM_TOTP_SECRET"`

	StreamURL       string `env:"STREAM_URL"`
	StreamSubscribe string `env:"STREAM_SUBSCRIBE"`

	WalkInterval   time.Duration `env:"WALK_INTERVAL" envDefault:"1s"`
	WalkVolatility float64       `env:"WALK_VOLATILITY" envDefault:"0.0005"`
	WalkSeed       uint64        `env:"WALK_SEED"`

	// StallAfter is how long the upstream may stay silent before the walk
	// takes over. Zero derives it from the poll interval or reconnect delay.
	StallAfter time.Duration `env:"FEED_STALL_AFTER"`
}

// RedisConfig configures the hot store. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// SQLiteConfig configures the durable store. An empty Path disables SQLite.
type SQLiteConfig struct {
	Path string `env:"PATH" envDefault:"data/engine.db"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
	File  string `env:"FILE"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate normalises out-of-range values and reports ErrNoInstruments when
// no instrument is usable. Nothing else is fatal.
func (c *Config) Validate() error {
	if c.Rules.NoiseBound > intervention.MaxNoiseBound {
		slog.Warn("NOISE_BOUND above cap, clamping",
			slog.Float64("value", c.Rules.NoiseBound),
			slog.Float64("cap", intervention.MaxNoiseBound))
		c.Rules.NoiseBound = intervention.MaxNoiseBound
	}
	if c.Rules.NoiseBound < 0 {
		c.Rules.NoiseBound = 0
	}
	if _, err := c.Location(); err != nil {
		slog.Warn("unknown RULE_TIMEZONE, using UTC",
			slog.String("timezone", c.Rules.Timezone),
			slog.String("error", err.Error()))
		c.Rules.Timezone = "UTC"
	}
	if len(c.ParseInstruments()) == 0 {
		return model.ErrNoInstruments
	}
	for _, sym := range c.SeedlessInstruments() {
		slog.Warn("instrument has no seed price; the fallback walk cannot start it until the upstream or history supplies a price",
			slog.String("instrument", sym),
			slog.String("feed_mode", c.Feed.Mode))
	}
	return nil
}

// SeedlessInstruments lists the usable instruments configured without a seed
// price.
func (c *Config) SeedlessInstruments() []string {
	var out []string
	for _, in := range c.ParseInstruments() {
		if !in.SeedPrice.IsPositive() {
			out = append(out, in.Symbol)
		}
	}
	return out
}

// Location returns the time zone rule windows are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Rules.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Rules.Timezone)
}

// ParseInstruments parses the instrument list. Malformed entries and
// duplicates are logged and skipped.
func (c *Config) ParseInstruments() []model.Instrument {
	seen := make(map[string]bool, len(c.Instruments))
	out := make([]model.Instrument, 0, len(c.Instruments))
	for _, raw := range c.Instruments {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		in, err := parseInstrument(raw)
		if err != nil {
			slog.Warn("skipping instrument",
				slog.String("entry", raw),
				slog.String("error", err.Error()))
			continue
		}
		if seen[in.Symbol] {
			continue
		}
		seen[in.Symbol] = true
		out = append(out, in)
	}
	return out
}

// parseInstrument reads "SYMBOL" or "SYMBOL:SEED". The seed follows the last
// colon so symbols may contain one.
func parseInstrument(s string) (model.Instrument, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return model.Instrument{Symbol: s}, nil
	}
	sym, seedStr := strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	if sym == "" {
		return model.Instrument{}, fmt.Errorf("empty symbol")
	}
	seed, err := decimal.NewFromString(seedStr)
	if err != nil {
		return model.Instrument{}, fmt.Errorf("seed price %q: %w", seedStr, err)
	}
	if !seed.IsPositive() {
		return model.Instrument{}, fmt.Errorf("seed price %s must be positive", seed)
	}
	return model.Instrument{Symbol: sym, SeedPrice: seed}, nil
}
