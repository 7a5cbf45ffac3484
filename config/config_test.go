package config

import (
	"errors"
	"testing"
	"time"

	"intervention-engine/internal/intervention"
	"intervention-engine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("INSTRUMENTS", "BTC/USDT:65000, ETH/USDT:3200.5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Candles.Bucket != time.Minute {
		t.Errorf("bucket %v", cfg.Candles.Bucket)
	}
	if cfg.Snapshot.Refresh != 5*time.Second || cfg.Snapshot.RetentionDepth != 120 {
		t.Errorf("snapshot %+v", cfg.Snapshot)
	}
	if len(cfg.Candles.RollupIntervals) != 2 || cfg.Candles.RollupIntervals[1] != 15*time.Minute {
		t.Errorf("rollups %v", cfg.Candles.RollupIntervals)
	}
	if cfg.Rules.Source != "file" || cfg.SQLite.Path != "data/engine.db" || cfg.Redis.Addr != "" {
		t.Errorf("stores %+v %+v %+v", cfg.Rules, cfg.SQLite, cfg.Redis)
	}

	ins := cfg.ParseInstruments()
	if len(ins) != 2 {
		t.Fatalf("instruments %v", ins)
	}
	if ins[1].Symbol != "ETH/USDT" || ins[1].SeedPrice.String() != "3200.5" {
		t.Errorf("second instrument %+v", ins[1])
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("INSTRUMENTS", "SOL/USDT")
	t.Setenv("CANDLE_BUCKET", "30s")
	t.Setenv("NOISE_BOUND", "0.05")
	t.Setenv("RULE_TIMEZONE", "Not/AZone")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("WALK_SEED", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Candles.Bucket != 30*time.Second {
		t.Errorf("bucket %v", cfg.Candles.Bucket)
	}
	if cfg.Rules.NoiseBound != intervention.MaxNoiseBound {
		t.Errorf("noise bound %v not capped", cfg.Rules.NoiseBound)
	}
	if cfg.Rules.Timezone != "UTC" {
		t.Errorf("timezone %q", cfg.Rules.Timezone)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Feed.WalkSeed != 42 {
		t.Errorf("redis %q seed %d", cfg.Redis.Addr, cfg.Feed.WalkSeed)
	}
	if ins := cfg.ParseInstruments(); len(ins) != 1 || !ins[0].SeedPrice.IsZero() {
		t.Errorf("instruments %+v", ins)
	}
}

func TestValidate_NoInstruments(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"all malformed", "BTC/USDT:abc,ETH/USDT:-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTRUMENTS", tt.value)
			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			if err := cfg.Validate(); !errors.Is(err, model.ErrNoInstruments) {
				t.Fatalf("got %v, want ErrNoInstruments", err)
			}
		})
	}
}

func TestParseInstruments_Dedupes(t *testing.T) {
	cfg := &Config{Instruments: []string{"BTC/USDT:1", "BTC/USDT:2", " ", "X:Y:3"}}
	ins := cfg.ParseInstruments()
	if len(ins) != 2 {
		t.Fatalf("got %+v", ins)
	}
	if ins[0].SeedPrice.String() != "1" || ins[1].Symbol != "X:Y" {
		t.Errorf("got %+v", ins)
	}
}

func TestSeedlessInstruments(t *testing.T) {
	cfg := &Config{Instruments: []string{"BTC/USDT:65000", "ETH/USDT", "SOL/USDT:bad", "XRP/USDT"}}
	got := cfg.SeedlessInstruments()
	if len(got) != 2 || got[0] != "ETH/USDT" || got[1] != "XRP/USDT" {
		t.Errorf("seedless %v, want [ETH/USDT XRP/USDT]", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("seedless instruments must not be fatal: %v", err)
	}
}
