// Package intervention turns administrator-authored intervention rules into
// overridden prices: a Store caches candidate rules, a Resolver picks the one
// effective rule for an instant, and Apply computes the overridden tick.
package intervention

import (
	"log/slog"
	"time"

	"intervention-engine/internal/model"
)

// Resolver selects at most one effective rule per instrument and instant.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	// Location is the zone rule windows are written in. Defaults to UTC.
	Location *time.Location

	Log *slog.Logger

	// OnInvalidRule is called for every rule skipped for violating its
	// invariants (optional).
	OnInvalidRule func(r model.InterventionRule, err error)
}

// NewResolver creates a Resolver whose windows are interpreted in loc.
func NewResolver(loc *time.Location, log *slog.Logger) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{Location: loc, Log: log}
}

// Resolve returns the effective override among rules at instant at.
//
// Rules whose window does not contain at's time of day are ignored. Among the
// remaining rules the highest Priority wins; equal priorities go to the most
// recently created rule. Invalid rules are skipped and reported.
func (r *Resolver) Resolve(rules []model.InterventionRule, at time.Time) model.EffectiveOverride {
	var best *model.InterventionRule
	for i := range rules {
		rule := &rules[i]
		if err := rule.Validate(); err != nil {
			r.invalid(*rule, err)
			continue
		}
		if !rule.Window.Contains(at, r.Location) {
			continue
		}
		if best == nil || outranks(rule, best) {
			best = rule
		}
	}
	if best == nil {
		return model.NoOverride
	}

	chosen := *best
	return model.EffectiveOverride{
		Rule:     &chosen,
		Progress: chosen.Window.Progress(at, r.Location),
	}
}

// outranks reports whether a should be preferred over b.
func outranks(a, b *model.InterventionRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.NewerThan(b)
}

func (r *Resolver) invalid(rule model.InterventionRule, err error) {
	if r.Log != nil {
		r.Log.Warn("skipping invalid intervention rule",
			slog.String("rule_id", rule.ID),
			slog.String("instrument", rule.Instrument),
			slog.String("error", err.Error()))
	}
	if r.OnInvalidRule != nil {
		r.OnInvalidRule(rule, err)
	}
}
