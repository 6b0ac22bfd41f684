package synchronizer

import (
	"context"
	"time"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// RuleStore supplies the current rule snapshot. It is read at the start of
// every sweep and never written by the synchronizer.
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
}

// IssueReporter is implemented by rule stores that skip malformed records
// while reading. The synchronizer folds those issues into the sweep report.
type IssueReporter interface {
	Issues() []domain.RuleIssue
}

// AppliedState remembers, per backend, the last decision that backend
// acknowledged. It is the only state the synchronizer mutates.
type AppliedState interface {
	Load(backend string) (map[string]domain.EffectiveDecision, error)
	Put(backend string, d domain.EffectiveDecision) error
	Delete(backend, name string) error
	Close() error
}

// Adapter pushes decisions into one enforcement backend. Implementations must
// be idempotent: applying the same decision twice leaves the backend exactly
// as applying it once, and retracting an absent domain is not an error.
//
// prev is the decision last recorded as applied to this backend for the same
// domain, or the zero decision when none is. Adapters undo only what prev
// describes and leave other backend entries alone.
type Adapter interface {
	Name() string
	Apply(ctx context.Context, want, prev domain.EffectiveDecision) error
	Retract(ctx context.Context, prev domain.EffectiveDecision) error
}

// Publisher receives each admitted rule snapshot so query-time lookups see
// the same rules the sweep enforced.
type Publisher interface {
	Publish(rules []domain.Rule) []domain.RuleIssue
}

// Trigger paces the control loop.
type Trigger interface {
	C() <-chan time.Time
	Stop()
}
