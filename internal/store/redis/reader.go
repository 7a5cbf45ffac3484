package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// Reader reads intervention rules and candle history from Redis.
// It implements model.RuleSource and model.CandleHistory.
type Reader struct {
	client goredis.Cmdable
	log    *slog.Logger
}

// NewReader creates a Reader on client.
func NewReader(client goredis.Cmdable, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{client: client, log: logger.Component(log, "redis-reader")}
}

// GetActiveRules returns the enabled rules stored in the instrument's rules
// hash. Entries that cannot be decoded are logged and skipped.
func (r *Reader) GetActiveRules(ctx context.Context, instrument string, _ time.Time) ([]model.InterventionRule, error) {
	fields, err := r.client.HGetAll(ctx, RulesKey(instrument)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", RulesKey(instrument), err)
	}
	rules, bad := decodeRules(instrument, fields)
	for id, derr := range bad {
		r.log.Warn("skipping undecodable rule",
			slog.String("instrument", instrument),
			slog.String("rule_id", id),
			slog.String("error", derr.Error()))
	}
	return rules, nil
}

// SaveRule stores rule in its instrument's hash, replacing any rule with the
// same id.
func (r *Reader) SaveRule(ctx context.Context, rule model.InterventionRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule without id", model.ErrInvalidRule)
	}
	b, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", rule.ID, err)
	}
	if err := r.client.HSet(ctx, RulesKey(rule.Instrument), rule.ID, b).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", RulesKey(rule.Instrument), err)
	}
	return nil
}

// DeleteRule removes the instrument's rule with the given id.
func (r *Reader) DeleteRule(ctx context.Context, instrument, id string) error {
	if err := r.client.HDel(ctx, RulesKey(instrument), id).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s: %w", RulesKey(instrument), err)
	}
	return nil
}

// RecentCandles reads up to limit candles from the instrument's stream,
// oldest first.
func (r *Reader) RecentCandles(ctx context.Context, instrument string, interval time.Duration, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := r.client.XRevRangeN(ctx, StreamKey(interval, instrument), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", StreamKey(interval, instrument), err)
	}
	return decodeStream(msgs), nil
}

// decodeRules parses a rules hash. The hash field is the rule id; missing
// ids and instruments are filled from the field and key. Disabled rules are
// dropped. Rules come back in id order.
func decodeRules(instrument string, fields map[string]string) ([]model.InterventionRule, map[string]error) {
	rules := make([]model.InterventionRule, 0, len(fields))
	var bad map[string]error
	for id, raw := range fields {
		var rule model.InterventionRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[id] = err
			continue
		}
		if rule.ID == "" {
			rule.ID = id
		}
		if rule.Instrument == "" {
			rule.Instrument = instrument
		}
		if !rule.Enabled {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, bad
}

// decodeStream turns newest-first stream entries into oldest-first candles.
func decodeStream(msgs []goredis.XMessage) []model.Candle {
	out := make([]model.Candle, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var c model.Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}
