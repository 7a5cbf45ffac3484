package intervention

import (
	"context"
	"sync"
	"time"

	"intervention-engine/internal/model"
)

// StaticSource is an in-memory RuleSource. It is safe for concurrent use and
// is handy for embedding the engine and for tests.
type StaticSource struct {
	mu    sync.RWMutex
	rules []model.InterventionRule

	// Err, when set, is returned by every read.
	Err error
}

// NewStaticSource creates a source holding rules.
func NewStaticSource(rules ...model.InterventionRule) *StaticSource {
	return &StaticSource{rules: append([]model.InterventionRule(nil), rules...)}
}

// Set replaces the rule set.
func (s *StaticSource) Set(rules ...model.InterventionRule) {
	s.mu.Lock()
	s.rules = append([]model.InterventionRule(nil), rules...)
	s.mu.Unlock()
}

// GetActiveRules returns the enabled rules for instrument.
func (s *StaticSource) GetActiveRules(_ context.Context, instrument string, _ time.Time) ([]model.InterventionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.InterventionRule
	for _, r := range s.rules {
		if r.Instrument == instrument && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}
