// Package file reads intervention rules from a YAML file that administrators
// edit by hand. The file is re-read whenever it changes on disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
	"intervention-engine/internal/timewindow"
)

// document is the on-disk layout:
//
//	rules:
//	  - instrument: BTC/USDT
//	    start: "22:00"
//	    end: "02:00"
//	    min_price: "65000"
//	    max_price: "66000"
//	    trend: up
//	    priority: 1
type document struct {
	Rules []entry `yaml:"rules"`
}

type entry struct {
	ID         string    `yaml:"id"`
	Instrument string    `yaml:"instrument"`
	Start      string    `yaml:"start"`
	End        string    `yaml:"end"`
	MinPrice   string    `yaml:"min_price"`
	MaxPrice   string    `yaml:"max_price"`
	Trend      string    `yaml:"trend"`
	Priority   int       `yaml:"priority"`
	Enabled    *bool     `yaml:"enabled"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// key identifies an id-less entry across reloads so its generated id stays put.
func (e entry) key() string {
	return strings.Join([]string{e.Instrument, e.Start, e.End, e.MinPrice, e.MaxPrice, e.Trend, fmt.Sprint(e.Priority)}, "|")
}

// RuleSource serves rules from a YAML file. It implements model.RuleSource.
type RuleSource struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	rules   map[string][]model.InterventionRule
	genIDs  map[string]string
	loaded  bool

	// OnInvalid is called for each entry that fails to parse (optional).
	OnInvalid func(index int, err error)
}

// NewRuleSource creates a source reading path. A missing file yields no rules.
func NewRuleSource(path string, log *slog.Logger) *RuleSource {
	if log == nil {
		log = slog.Default()
	}
	return &RuleSource{
		path:   path,
		log:    logger.Component(log, "rule-file"),
		genIDs: make(map[string]string),
	}
}

// GetActiveRules returns the enabled rules for instrument, reloading the
// file first if it changed since the last read.
func (s *RuleSource) GetActiveRules(ctx context.Context, instrument string, _ time.Time) ([]model.InterventionRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return append([]model.InterventionRule(nil), s.rules[instrument]...), nil
}

func (s *RuleSource) reloadLocked() error {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !s.loaded || len(s.rules) > 0 {
			s.log.Warn("rule file not found, no rules active", slog.String("path", s.path))
		}
		s.rules = nil
		s.loaded = true
		s.modTime, s.size = time.Time{}, 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat rule file: %w", err)
	}
	if s.loaded && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rule file: %w", err)
	}
	rules, err := s.parse(raw, fi.ModTime())
	if err != nil {
		return err
	}
	s.rules = rules
	s.modTime, s.size, s.loaded = fi.ModTime(), fi.Size(), true

	n := 0
	for _, rs := range rules {
		n += len(rs)
	}
	s.log.Info("loaded rule file", slog.String("path", s.path), slog.Int("enabled_rules", n))
	return nil
}

// parse decodes raw into enabled rules grouped by instrument. Entries that
// fail to parse are skipped; a malformed document is an error and the
// caller keeps its previous rules.
func (s *RuleSource) parse(raw []byte, modTime time.Time) (map[string][]model.InterventionRule, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	out := make(map[string][]model.InterventionRule)
	seen := make(map[string]bool, len(doc.Rules))
	for i, e := range doc.Rules {
		rule, err := e.toRule()
		if err != nil {
			s.log.Warn("skipping rule entry", slog.Int("index", i), slog.String("error", err.Error()))
			if s.OnInvalid != nil {
				s.OnInvalid(i, err)
			}
			continue
		}
		if rule.ID == "" {
			k := e.key()
			id, ok := s.genIDs[k]
			if !ok {
				u, err := uuid.NewV7()
				if err != nil {
					return nil, fmt.Errorf("generate rule id: %w", err)
				}
				id = u.String()
				s.genIDs[k] = id
			}
			rule.ID = id
		}
		if seen[rule.ID] {
			s.log.Warn("duplicate rule id, keeping first", slog.String("rule_id", rule.ID))
			continue
		}
		seen[rule.ID] = true
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = modTime
		}
		if !rule.Enabled {
			continue
		}
		out[rule.Instrument] = append(out[rule.Instrument], rule)
	}
	return out, nil
}

func (e entry) toRule() (model.InterventionRule, error) {
	rule := model.InterventionRule{
		ID:         e.ID,
		Instrument: strings.TrimSpace(e.Instrument),
		Priority:   e.Priority,
		Enabled:    e.Enabled == nil || *e.Enabled,
		CreatedAt:  e.CreatedAt,
	}
	if rule.Instrument == "" {
		return rule, fmt.Errorf("%w: missing instrument", model.ErrInvalidRule)
	}
	var err error
	if rule.Window.Start, err = timewindow.Parse(e.Start); err != nil {
		return rule, fmt.Errorf("%w: start: %v", model.ErrInvalidRule, err)
	}
	if rule.Window.End, err = timewindow.Parse(e.End); err != nil {
		return rule, fmt.Errorf("%w: end: %v", model.ErrInvalidRule, err)
	}
	if rule.MinPrice, err = decimal.NewFromString(strings.TrimSpace(e.MinPrice)); err != nil {
		return rule, fmt.Errorf("%w: min_price %q", model.ErrInvalidRule, e.MinPrice)
	}
	if rule.MaxPrice, err = decimal.NewFromString(strings.TrimSpace(e.MaxPrice)); err != nil {
		return rule, fmt.Errorf("%w: max_price %q", model.ErrInvalidRule, e.MaxPrice)
	}
	if rule.Trend, err = model.ParseTrend(e.Trend); err != nil {
		return rule, err
	}
	return rule, nil
}
