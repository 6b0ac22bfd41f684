package resolver

import (
	"slices"
	"time"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/utils"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// Resolver picks the rule that governs a domain at an instant.
//
// It holds no mutable state: the rule snapshot is passed on every call, so a
// single Resolver can be shared between the sweep loop and the live query path,
// and ResolveAll can be split across goroutines freely. Rules are expected to
// have passed domain.Admit.
type Resolver struct {
	loc *time.Location
}

type Options struct {
	// Location is the zone windows are written in. Defaults to time.Local.
	Location *time.Location
}

func NewResolver(opts Options) *Resolver {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{loc: loc}
}

// Location returns the zone instants are converted into before window evaluation.
func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve returns the effective decision for name at the given instant.
// ok is false when no enabled, active rule matches; the caller decides what
// that means (the default policy is an implicit allow).
//
// Among candidates the highest priority wins and ties go to the lowest id,
// so the result never depends on the order of rules.
func (r *Resolver) Resolve(rules []domain.Rule, name string, at time.Time) (domain.EffectiveDecision, bool) {
	name = utils.CanonicalDomain(name)
	if name == "" {
		return domain.EffectiveDecision{}, false
	}
	local := at.In(r.loc)

	var best *domain.Rule
	for i := range rules {
		rule := &rules[i]
		if !rule.Pattern.Matches(name) || !rule.IsActive(local) {
			continue
		}
		if best == nil || rule.Outranks(*best) {
			best = rule
		}
	}
	if best == nil {
		return domain.EffectiveDecision{}, false
	}
	return best.Decision(name), true
}

// ResolveAll resolves every name in names at the same instant. Names with no
// governing rule are absent from the result. Each entry is identical to what
// Resolve returns for that name.
func (r *Resolver) ResolveAll(rules []domain.Rule, names []string, at time.Time) map[string]domain.EffectiveDecision {
	out := make(map[string]domain.EffectiveDecision, len(names))
	for _, name := range names {
		if d, ok := r.Resolve(rules, name, at); ok {
			out[d.Domain] = d
		}
	}
	return out
}

// Candidates returns every rule that matches name and is active at the
// instant, ordered from winner to loser. Used for diagnostics.
func (r *Resolver) Candidates(rules []domain.Rule, name string, at time.Time) []domain.Rule {
	name = utils.CanonicalDomain(name)
	local := at.In(r.loc)

	var out []domain.Rule
	for _, rule := range rules {
		if rule.Pattern.Matches(name) && rule.IsActive(local) {
			out = append(out, rule)
		}
	}
	slices.SortFunc(out, func(a, b domain.Rule) int {
		switch {
		case a.Outranks(b):
			return -1
		case b.Outranks(a):
			return 1
		default:
			return 0
		}
	})
	return out
}
