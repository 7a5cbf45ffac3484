package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"intervention-engine/internal/model"
)

// RuleSet is one immutable, versioned view of the candidate rules per
// instrument. A refresh builds a new RuleSet and swaps it in.
type RuleSet struct {
	Version  uint64
	LoadedAt time.Time
	rules    map[string][]model.InterventionRule
}

// Rules returns the candidate rules for instrument. The slice is shared and
// must not be modified.
func (rs *RuleSet) Rules(instrument string) []model.InterventionRule {
	if rs == nil {
		return nil
	}
	return rs.rules[instrument]
}

// Count returns the number of rules across all instruments.
func (rs *RuleSet) Count() int {
	if rs == nil {
		return 0
	}
	n := 0
	for _, r := range rs.rules {
		n += len(r)
	}
	return n
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Instruments []string

	// RefreshInterval bounds rule staleness. Defaults to 5s.
	RefreshInterval time.Duration

	// FetchTimeout bounds one refresh. Defaults to RefreshInterval.
	FetchTimeout time.Duration

	// MaxConcurrency bounds concurrent per-instrument source reads. Defaults to 8.
	MaxConcurrency int
}

// Store is the engine's read-only view of the administrator rule set.
// ActiveRules is lock-free; Refresh replaces the whole RuleSet atomically.
type Store struct {
	cfg StoreConfig
	src model.RuleSource
	log *slog.Logger
	now func() time.Time

	set     atomic.Pointer[RuleSet]
	version atomic.Uint64

	// OnRefreshError is called when reading one instrument's rules fails (optional).
	OnRefreshError func(instrument string, err error)
	// OnRefresh is called after each refresh with the new rule set (optional).
	OnRefresh func(rs *RuleSet)
}

// NewStore creates a Store reading from src.
func NewStore(cfg StoreConfig, src model.RuleSource, log *slog.Logger) *Store {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.RefreshInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{cfg: cfg, src: src, log: log, now: time.Now}
	s.set.Store(&RuleSet{rules: map[string][]model.InterventionRule{}})
	return s
}

// ActiveRules returns the unfiltered candidate rules for instrument.
// The time argument is accepted for interface symmetry with the rule source;
// window filtering is the Resolver's job.
func (s *Store) ActiveRules(instrument string, _ time.Time) []model.InterventionRule {
	return s.set.Load().Rules(instrument)
}

// Current returns the rule set in effect.
func (s *Store) Current() *RuleSet {
	return s.set.Load()
}

// Stale reports whether the rule set is older than two refresh intervals.
func (s *Store) Stale(now time.Time) bool {
	rs := s.set.Load()
	if rs.LoadedAt.IsZero() {
		return true
	}
	return now.Sub(rs.LoadedAt) > 2*s.cfg.RefreshInterval
}

// Refresh reads every instrument's rules concurrently and swaps in a new
// RuleSet. An instrument whose read fails keeps its previous rules. The
// returned error joins the per-instrument failures; the swap happens anyway.
func (s *Store) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	prev := s.set.Load()
	asOf := s.now()

	var (
		mu   sync.Mutex
		next = make(map[string][]model.InterventionRule, len(s.cfg.Instruments))
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, inst := range s.cfg.Instruments {
		inst := inst
		g.Go(func() error {
			rules, err := s.src.GetActiveRules(gctx, inst, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("rules for %s: %w", inst, err))
				next[inst] = prev.Rules(inst)
				s.log.Warn("rule refresh failed, keeping previous rules",
					slog.String("instrument", inst),
					slog.String("error", err.Error()))
				if s.OnRefreshError != nil {
					s.OnRefreshError(inst, err)
				}
				return nil
			}
			next[inst] = enabledFor(inst, rules)
			return nil
		})
	}
	_ = g.Wait()

	rs := &RuleSet{
		Version:  s.version.Add(1),
		LoadedAt: asOf,
		rules:    next,
	}
	s.set.Store(rs)
	if s.OnRefresh != nil {
		s.OnRefresh(rs)
	}
	return errors.Join(errs...)
}

// Run refreshes the rule set every RefreshInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

// enabledFor drops disabled rules and rules filed under another instrument.
func enabledFor(instrument string, rules []model.InterventionRule) []model.InterventionRule {
	out := make([]model.InterventionRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled || r.Instrument != instrument {
			continue
		}
		out = append(out, r)
	}
	return out
}
