package domain

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/utils"
)

// Rule is a domain-filtering rule gated by optional time windows.
//
// Notes:
// - ID is opaque and immutable; it is also the deterministic tie-breaker.
// - Windows empty means the rule is not time gated.
// - CreatedAt and UpdatedAt are owned by the rule store.
type Rule struct {
	ID             string
	Name           string
	Pattern        Pattern
	Action         Action
	RedirectTarget string
	Enabled        bool
	Priority       int
	Windows        []Window
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the rule for required fields and supported values and
// returns the first defect found as a *ValidationError.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("id", nil, "must not be empty")
	}
	if r.Pattern.IsZero() {
		return invalid("pattern", nil, "must not be empty")
	}
	if !r.Action.Valid() {
		return invalid("action", uint8(r.Action), "must be one of block, allow, redirect")
	}
	if r.Action == ActionRedirect {
		target := utils.CanonicalDomain(r.RedirectTarget)
		if target == "" {
			return invalid("redirect_target", nil, "required for redirect rules")
		}
		if _, ok := dns.IsDomainName(target); !ok || strings.ContainsAny(target, "* ") {
			return invalid("redirect_target", r.RedirectTarget, "not a valid domain name")
		}
	}
	if r.Priority < 0 {
		return invalid("priority", r.Priority, "must be >= 0")
	}
	for i, w := range r.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("window %d: %w", i, err)
		}
	}
	return nil
}

// IsActive reports whether the rule is in force at t: enabled and either
// ungated or inside at least one window. Windows are independent ORs.
func (r Rule) IsActive(t time.Time) bool {
	if !r.Enabled {
		return false
	}
	if len(r.Windows) == 0 {
		return true
	}
	for _, w := range r.Windows {
		if w.IsActive(t) {
			return true
		}
	}
	return false
}

// Decision materializes the rule's outcome for name.
// The redirect target is only carried for redirect rules.
func (r Rule) Decision(name string) EffectiveDecision {
	d := EffectiveDecision{
		Domain:       utils.CanonicalDomain(name),
		Action:       r.Action,
		SourceRuleID: r.ID,
	}
	if r.Action == ActionRedirect {
		d.RedirectTarget = utils.CanonicalDomain(r.RedirectTarget)
	}
	return d
}

// CompareIDs orders rule ids for tie-breaking. Ids that are both non-negative
// integers compare numerically (2 < 7 < 10); numeric ids sort before
// non-numeric ones; everything else compares lexicographically. Numerically
// equal spellings ("02", "2") fall back to a lexicographic compare so the
// order stays total.
func CompareIDs(a, b string) int {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if c := cmp.Compare(an, bn); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Outranks reports whether r beats o when both match and are active:
// higher priority first, then the lower id.
func (r Rule) Outranks(o Rule) bool {
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	return CompareIDs(r.ID, o.ID) < 0
}
