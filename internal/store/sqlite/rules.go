package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/model"
	"intervention-engine/internal/timewindow"
)

// GetActiveRules returns the enabled rules for instrument, oldest first.
// Rows that fail to parse are logged and skipped. It implements
// model.RuleSource.
func (s *Store) GetActiveRules(ctx context.Context, instrument string, _ time.Time) ([]model.InterventionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_tod, end_tod, min_price, max_price, trend, priority, created_at
		FROM intervention_rules
		WHERE instrument = ? AND enabled = 1
		ORDER BY created_at, id`,
		instrument,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules %s: %w", instrument, err)
	}
	defer rows.Close()

	var out []model.InterventionRule
	for rows.Next() {
		var (
			id, start, end, lo, hi, trend string
			priority                      int
			createdMs                     int64
		)
		if err := rows.Scan(&id, &start, &end, &lo, &hi, &trend, &priority, &createdMs); err != nil {
			return nil, err
		}
		rule, err := parseRuleRow(id, instrument, start, end, lo, hi, trend)
		if err != nil {
			s.log.Warn("skipping unparsable rule row",
				slog.String("instrument", instrument),
				slog.String("rule_id", id),
				slog.String("error", err.Error()))
			continue
		}
		rule.Priority = priority
		rule.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SaveRule inserts or replaces rule by id.
func (s *Store) SaveRule(ctx context.Context, rule model.InterventionRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule without id", model.ErrInvalidRule)
	}
	if !rule.Trend.Valid() {
		return fmt.Errorf("%w: rule %s has unknown trend", model.ErrInvalidRule, rule.ID)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO intervention_rules
			(id, instrument, start_tod, end_tod, min_price, max_price, trend, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Instrument, rule.Window.Start.String(), rule.Window.End.String(),
		rule.MinPrice.String(), rule.MaxPrice.String(), rule.Trend.String(),
		rule.Priority, boolInt(rule.Enabled), rule.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes the instrument's rule with the given id.
func (s *Store) DeleteRule(ctx context.Context, instrument, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM intervention_rules WHERE instrument = ? AND id = ?`, instrument, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

func parseRuleRow(id, instrument, start, end, lo, hi, trend string) (model.InterventionRule, error) {
	rule := model.InterventionRule{ID: id, Instrument: instrument, Enabled: true}
	var err error
	if rule.Window.Start, err = timewindow.Parse(start); err != nil {
		return rule, err
	}
	if rule.Window.End, err = timewindow.Parse(end); err != nil {
		return rule, err
	}
	if rule.MinPrice, err = decimal.NewFromString(lo); err != nil {
		return rule, fmt.Errorf("min_price: %w", err)
	}
	if rule.MaxPrice, err = decimal.NewFromString(hi); err != nil {
		return rule, fmt.Errorf("max_price: %w", err)
	}
	if rule.Trend, err = model.ParseTrend(trend); err != nil {
		return rule, err
	}
	return rule, nil
}
