// Package redis persists closed candles to Redis (latest key, stream and
// pub/sub channel per instrument and interval) and reads intervention rules
// and recent candle history back from it.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intervention-engine/internal/logger"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Component(slog.Default(), "redis").Info("redis connected", slog.String("addr", cfg.Addr))
	return client, nil
}

// Key layout.
const rulesPrefix = "intervention:rules:"

// RulesKey is the hash holding an instrument's rules (field = rule id,
// value = rule JSON).
func RulesKey(instrument string) string { return rulesPrefix + instrument }

// LatestKey holds the most recent closed candle, e.g. "candle:1m:latest:BTC/USDT".
func LatestKey(interval time.Duration, instrument string) string {
	return "candle:" + intervalLabel(interval) + ":latest:" + instrument
}

// StreamKey is the capped stream of closed candles, e.g. "candle:1m:BTC/USDT".
func StreamKey(interval time.Duration, instrument string) string {
	return "candle:" + intervalLabel(interval) + ":" + instrument
}

// Channel is the pub/sub channel closed candles are published on,
// e.g. "pub:candle:1m:BTC/USDT".
func Channel(interval time.Duration, instrument string) string {
	return "pub:candle:" + intervalLabel(interval) + ":" + instrument
}
