package synchronizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/appliedstate"
)

type call struct {
	op     string
	domain string
	action domain.Action
}

// prevCall records the prev decision an adapter was handed.
type prevCall struct {
	op   string
	prev domain.EffectiveDecision
}

// fakeAdapter records calls and keeps a toy backend state so idempotence can
// be asserted on what the backend ends up holding.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	calls   []call
	prevs   []prevCall
	held    map[string]domain.EffectiveDecision
	failFor map[string]error

	// block, when set, is waited on inside every call; entered is signalled first.
	block   chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:    name,
		held:    map[string]domain.EffectiveDecision{},
		failFor: map[string]error{},
	}
}

var _ Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Apply(ctx context.Context, want, prev domain.EffectiveDecision) error {
	return f.do(ctx, call{op: "apply", domain: want.Domain, action: want.Action}, prev, func() {
		f.held[want.Domain] = want
	})
}

func (f *fakeAdapter) Retract(ctx context.Context, prev domain.EffectiveDecision) error {
	return f.do(ctx, call{op: "retract", domain: prev.Domain}, prev, func() {
		delete(f.held, prev.Domain)
	})
}

func (f *fakeAdapter) do(ctx context.Context, c call, prev domain.EffectiveDecision, mutate func()) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	f.prevs = append(f.prevs, prevCall{op: c.op, prev: prev})
	if err := f.failFor[c.domain]; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mutate()
	return nil
}

func (f *fakeAdapter) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAdapter) Prevs() []prevCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prevCall(nil), f.prevs...)
}

func (f *fakeAdapter) Held() map[string]domain.EffectiveDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.EffectiveDecision, len(f.held))
	for k, v := range f.held {
		out[k] = v
	}
	return out
}

func (f *fakeAdapter) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.prevs = nil
	f.mu.Unlock()
}

func (f *fakeAdapter) FailFor(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failFor, name)
		return
	}
	f.failFor[name] = err
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(rules []domain.Rule) []domain.RuleIssue {
	args := m.Called(rules)
	issues, _ := args.Get(0).([]domain.RuleIssue)
	return issues
}

type fakeTrigger struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTrigger) C() <-chan time.Time { return t.c }
func (t *fakeTrigger) Stop()               { t.stopped.Store(true) }

// reportingStore is a rule store that also reports records it skipped.
type reportingStore struct {
	RuleStore
	issues []domain.RuleIssue
}

func (r *reportingStore) Issues() []domain.RuleIssue { return r.issues }

// unreadableState wraps the memory store and fails Load for chosen backends,
// the way a bucket with undecodable values would.
type unreadableState struct {
	*appliedstate.Memory
	mu      sync.Mutex
	failFor map[string]error
}

func (u *unreadableState) Load(backend string) (map[string]domain.EffectiveDecision, error) {
	u.mu.Lock()
	err := u.failFor[backend]
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return u.Memory.Load(backend)
}

func (u *unreadableState) Heal(backend string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.failFor, backend)
}
