package rulestore

import (
	"context"
	"slices"
	"sync"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// Static is an in-memory rule store. It is used in tests and by embedders
// that manage rules themselves; Set replaces the whole snapshot atomically.
type Static struct {
	mu    sync.RWMutex
	rules []domain.Rule
	err   error
}

// NewStatic returns a store holding rules.
func NewStatic(rules ...domain.Rule) *Static {
	return &Static{rules: slices.Clone(rules)}
}

// ListRules returns a copy of the current snapshot, or the injected failure.
func (s *Static) ListRules(ctx context.Context) ([]domain.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.rules), nil
}

// Set replaces the snapshot.
func (s *Static) Set(rules ...domain.Rule) {
	s.mu.Lock()
	s.rules = slices.Clone(rules)
	s.mu.Unlock()
}

// Fail makes subsequent ListRules calls return err until cleared with Fail(nil).
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
