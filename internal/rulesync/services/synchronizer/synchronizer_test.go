package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/clock"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/appliedstate"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/rulestore"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/resolver"
)

// 2025-08-01 is a Friday.
var (
	friday2330   = time.Date(2025, 8, 1, 23, 30, 0, 0, time.UTC)
	friday2331   = time.Date(2025, 8, 1, 23, 31, 0, 0, time.UTC)
	saturday0730 = time.Date(2025, 8, 2, 7, 30, 0, 0, time.UTC)
)

func fridayNight() domain.Rule {
	return domain.Rule{
		ID:      "1",
		Name:    "no youtube friday night",
		Pattern: domain.MustPattern("youtube.com"),
		Action:  domain.ActionBlock,
		Enabled: true,
		Windows: []domain.Window{{Days: 1 << time.Friday, StartMinute: 22 * 60, EndMinute: 6 * 60}},
	}
}

type harness struct {
	store *rulestore.Static
	state *appliedstate.Memory
	a, b  *fakeAdapter
	sync  *Synchronizer
}

func newHarness(t *testing.T, opts Options, rules ...domain.Rule) *harness {
	t.Helper()
	h := &harness{
		store: rulestore.NewStatic(rules...),
		state: appliedstate.NewMemory(),
		a:     newFakeAdapter("adguard"),
		b:     newFakeAdapter("pihole"),
	}
	opts.Store = h.store
	opts.State = h.state
	if opts.Adapters == nil {
		opts.Adapters = []Adapter{h.a, h.b}
	}
	opts.Resolver = resolver.NewResolver(resolver.Options{Location: time.UTC})
	if opts.Clock == nil {
		opts.Clock = &clock.MockClock{CurrentTime: friday2330}
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.sync = s
	return h
}

func (h *harness) applied(t *testing.T, backend string) map[string]domain.EffectiveDecision {
	t.Helper()
	m, err := h.state.Load(backend)
	require.NoError(t, err)
	return m
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Store:    rulestore.NewStatic(),
		Adapters: []Adapter{newFakeAdapter("x"), newFakeAdapter("x")},
	})
	assert.ErrorContains(t, err, "duplicate adapter name")

	s, err := New(Options{Store: rulestore.NewStatic()})
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, s.concurrency)
	assert.Equal(t, DefaultAdapterTimeout, s.adapterTimeout)
}

func TestRunSweep_FridayNightScenario(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())

	r := h.sync.RunSweep(context.Background(), friday2330)
	require.NoError(t, r.Err)
	assert.False(t, r.Skipped)
	assert.Equal(t, 2, r.Count(OutcomeApplied))
	for _, f := range []*fakeAdapter{h.a, h.b} {
		assert.Equal(t, []call{{op: "apply", domain: "youtube.com", action: domain.ActionBlock}}, f.Calls())
		want := domain.EffectiveDecision{Domain: "youtube.com", Action: domain.ActionBlock, SourceRuleID: "1"}
		assert.Equal(t, want, h.applied(t, f.Name())["youtube.com"])
	}

	// Idempotence: nothing changed a minute later.
	h.a.Reset()
	h.b.Reset()
	r = h.sync.RunSweep(context.Background(), friday2331)
	assert.Equal(t, 2, r.Count(OutcomeUnchanged))
	assert.Empty(t, h.a.Calls())
	assert.Empty(t, h.b.Calls())

	// Convergence: the window lapses and each backend sees exactly one retract.
	r = h.sync.RunSweep(context.Background(), saturday0730)
	assert.Equal(t, 2, r.Count(OutcomeRetracted))
	for _, f := range []*fakeAdapter{h.a, h.b} {
		assert.Equal(t, []call{{op: "retract", domain: "youtube.com"}}, f.Calls())
		assert.Empty(t, f.Held())
		assert.Empty(t, h.applied(t, f.Name()))
	}

	// Nothing is held and nothing is active: a further sweep is silent.
	h.a.Reset()
	h.b.Reset()
	r = h.sync.RunSweep(context.Background(), saturday0730.Add(time.Minute))
	assert.Empty(t, r.Entries)
	assert.Empty(t, h.a.Calls())
}

func TestRunSweep_ChangedDecisionReapplies(t *testing.T) {
	allow := fridayNight()
	allow.ID = "2"
	allow.Action = domain.ActionAllow
	allow.Priority = 10
	allow.Enabled = false
	h := newHarness(t, Options{}, fridayNight(), allow)

	h.sync.RunSweep(context.Background(), friday2330)
	assert.Equal(t, domain.ActionBlock, h.applied(t, "adguard")["youtube.com"].Action)

	allow.Enabled = true
	h.store.Set(fridayNight(), allow)
	h.a.Reset()
	r := h.sync.RunSweep(context.Background(), friday2331)
	assert.Equal(t, 2, r.Count(OutcomeApplied))
	assert.Equal(t, []call{{op: "apply", domain: "youtube.com", action: domain.ActionAllow}}, h.a.Calls())
	got := h.applied(t, "adguard")["youtube.com"]
	assert.Equal(t, domain.ActionAllow, got.Action)
	assert.Equal(t, "2", got.SourceRuleID)

	prevs := h.a.Prevs()
	require.Len(t, prevs, 1)
	assert.Equal(t, domain.ActionBlock, prevs[0].prev.Action, "apply must see what was held")
	assert.Equal(t, "1", prevs[0].prev.SourceRuleID)
}

func TestRunSweep_DeletedRuleIsRetracted(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	h.sync.RunSweep(context.Background(), friday2330)

	h.store.Set()
	h.a.Reset()
	r := h.sync.RunSweep(context.Background(), friday2331)
	assert.Equal(t, 2, r.Count(OutcomeRetracted))
	assert.Equal(t, []call{{op: "retract", domain: "youtube.com"}}, h.a.Calls())
	assert.Equal(t, []prevCall{{op: "retract", prev: domain.EffectiveDecision{
		Domain: "youtube.com", Action: domain.ActionBlock, SourceRuleID: "1",
	}}}, h.a.Prevs())
	assert.Empty(t, h.applied(t, "adguard"))
}

func TestRunSweep_PartialFailureIsolated(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	h.b.FailFor("youtube.com", errors.New("connection refused"))

	r := h.sync.RunSweep(context.Background(), friday2330)
	require.NoError(t, r.Err)
	assert.Equal(t, 1, r.Count(OutcomeApplied))
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "pihole", failed[0].Backend)
	assert.Equal(t, "apply: connection refused", failed[0].Reason)
	assert.Equal(t, "pihole youtube.com failed:apply: connection refused", failed[0].String())

	assert.Contains(t, h.applied(t, "adguard"), "youtube.com")
	assert.Empty(t, h.applied(t, "pihole"), "failed apply must not be recorded")

	// The next sweep retries only the backend that failed.
	h.a.Reset()
	h.b.Reset()
	h.b.FailFor("youtube.com", nil)
	r = h.sync.RunSweep(context.Background(), friday2331)
	assert.Empty(t, h.a.Calls())
	assert.Len(t, h.b.Calls(), 1)
	assert.Equal(t, 1, r.Count(OutcomeApplied))
	assert.Equal(t, 1, r.Count(OutcomeUnchanged))
	assert.Contains(t, h.applied(t, "pihole"), "youtube.com")
}

func TestRunSweep_FailedRetractKeepsState(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	h.sync.RunSweep(context.Background(), friday2330)

	h.a.FailFor("youtube.com", errors.New("503"))
	r := h.sync.RunSweep(context.Background(), saturday0730)
	assert.Equal(t, 1, r.Count(OutcomeFailed))
	assert.Equal(t, 1, r.Count(OutcomeRetracted))
	assert.Contains(t, h.applied(t, "adguard"), "youtube.com")
	assert.Empty(t, h.applied(t, "pihole"))
}

func TestRunSweep_UnreadableStateIsolatedToBackend(t *testing.T) {
	state := &unreadableState{
		Memory:  appliedstate.NewMemory(),
		failFor: map[string]error{"adguard": errors.New("decode adguard/x.com: bad json")},
	}
	a, b := newFakeAdapter("adguard"), newFakeAdapter("pihole")
	s, err := New(Options{
		Store:    rulestore.NewStatic(fridayNight()),
		State:    state,
		Adapters: []Adapter{a, b},
		Resolver: resolver.NewResolver(resolver.Options{Location: time.UTC}),
		Clock:    &clock.MockClock{CurrentTime: friday2330},
	})
	require.NoError(t, err)

	r := s.RunSweep(context.Background(), friday2330)
	require.NoError(t, r.Err)
	assert.Empty(t, a.Calls())
	assert.Equal(t, []call{{op: "apply", domain: "youtube.com", action: domain.ActionBlock}}, b.Calls())
	assert.Equal(t, 1, r.Count(OutcomeApplied))
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "adguard", failed[0].Backend)
	assert.Empty(t, failed[0].Domain)
	assert.Equal(t, "adguard failed:load state: decode adguard/x.com: bad json", failed[0].String())

	state.Heal("adguard")
	b.Reset()
	r = s.RunSweep(context.Background(), friday2331)
	assert.Equal(t, []call{{op: "apply", domain: "youtube.com", action: domain.ActionBlock}}, a.Calls())
	assert.Empty(t, b.Calls())
	assert.Empty(t, r.Failed())
}

func TestRunSweep_StoreIssuesReported(t *testing.T) {
	store := &reportingStore{
		RuleStore: rulestore.NewStatic(fridayNight()),
		issues:    []domain.RuleIssue{{RuleID: "#3", Reason: "action: must be one of block, allow, redirect"}},
	}
	s, err := New(Options{
		Store:    store,
		Adapters: []Adapter{newFakeAdapter("adguard")},
		Resolver: resolver.NewResolver(resolver.Options{Location: time.UTC}),
		Clock:    &clock.MockClock{CurrentTime: friday2330},
	})
	require.NoError(t, err)

	r := s.RunSweep(context.Background(), friday2330)
	require.NoError(t, r.Err)
	assert.Equal(t, store.issues, r.Invalid)
	assert.Equal(t, 1, r.Count(OutcomeApplied))
}

func TestRunSweep_UnchangedReportsCurrentRule(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	h.sync.RunSweep(context.Background(), friday2330)

	takeover := fridayNight()
	takeover.ID = "9"
	takeover.Priority = 10
	h.store.Set(fridayNight(), takeover)
	h.a.Reset()
	h.b.Reset()

	r := h.sync.RunSweep(context.Background(), friday2331)
	assert.Equal(t, 2, r.Count(OutcomeUnchanged))
	assert.Empty(t, h.a.Calls())
	assert.Empty(t, h.b.Calls())
	for _, e := range r.Entries {
		assert.Equal(t, "9", e.Decision.SourceRuleID)
	}
	assert.Equal(t, "9", h.applied(t, "adguard")["youtube.com"].SourceRuleID)
	assert.Equal(t, "9", h.applied(t, "pihole")["youtube.com"].SourceRuleID)
}

func TestRunSweep_FetchError(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	h.sync.RunSweep(context.Background(), friday2330)
	h.a.Reset()
	h.b.Reset()

	h.store.Fail(errors.New("disk gone"))
	r := h.sync.RunSweep(context.Background(), saturday0730)
	require.Error(t, r.Err)
	assert.ErrorContains(t, r.Err, "disk gone")
	assert.Empty(t, r.Entries)
	assert.Empty(t, h.a.Calls())
	assert.Empty(t, h.b.Calls())
	assert.Contains(t, h.applied(t, "adguard"), "youtube.com", "state untouched on fetch failure")

	last, ok := h.sync.LastReport()
	require.True(t, ok)
	assert.Error(t, last.Err)
}

func TestRunSweep_InvalidRulesSkipped(t *testing.T) {
	bad := domain.Rule{ID: "bad", Pattern: domain.MustPattern("example.com"), Action: domain.ActionRedirect, Enabled: true}
	pub := &mockPublisher{}
	pub.On("Publish", mock.MatchedBy(func(rules []domain.Rule) bool {
		return len(rules) == 1 && rules[0].ID == "1"
	})).Return(nil).Once()
	h := newHarness(t, Options{Publisher: pub}, bad, fridayNight())

	r := h.sync.RunSweep(context.Background(), friday2330)
	require.NoError(t, r.Err)
	require.Len(t, r.Invalid, 1)
	assert.Equal(t, "bad", r.Invalid[0].RuleID)
	assert.Contains(t, r.Invalid[0].Reason, "redirect_target")
	assert.Equal(t, 2, r.Count(OutcomeApplied))
	for _, e := range r.Entries {
		assert.NotEqual(t, "example.com", e.Domain)
	}

	pub.AssertExpectations(t)
}

func TestRunSweep_WildcardAndRedirect(t *testing.T) {
	rules := []domain.Rule{
		{ID: "10", Pattern: domain.MustPattern("*.tiktok.com"), Action: domain.ActionBlock, Enabled: true},
		{ID: "11", Pattern: domain.MustPattern("search.example"), Action: domain.ActionRedirect, RedirectTarget: "safe.example", Enabled: true},
	}
	h := newHarness(t, Options{Adapters: []Adapter{newFakeAdapter("only")}}, rules...)
	r := h.sync.RunSweep(context.Background(), friday2330)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "search.example", r.Entries[0].Domain)
	assert.Equal(t, "safe.example", r.Entries[0].Decision.RedirectTarget)
	assert.Equal(t, "tiktok.com", r.Entries[1].Domain)
}

func TestRunSweep_EntriesSorted(t *testing.T) {
	var rules []domain.Rule
	for i := 5; i > 0; i-- {
		rules = append(rules, domain.Rule{
			ID:      fmt.Sprint(i),
			Pattern: domain.MustPattern(fmt.Sprintf("site%d.com", i)),
			Action:  domain.ActionBlock,
			Enabled: true,
		})
	}
	h := newHarness(t, Options{}, rules...)
	r := h.sync.RunSweep(context.Background(), friday2330)
	require.Len(t, r.Entries, 10)
	assert.Equal(t, "adguard", r.Entries[0].Backend)
	assert.Equal(t, "site1.com", r.Entries[0].Domain)
	assert.Equal(t, "pihole", r.Entries[9].Backend)
	assert.Equal(t, "site5.com", r.Entries[9].Domain)
}

func TestRunSweep_ConcurrencyBound(t *testing.T) {
	var rules []domain.Rule
	for i := 0; i < 20; i++ {
		rules = append(rules, domain.Rule{
			ID:      fmt.Sprint(i),
			Pattern: domain.MustPattern(fmt.Sprintf("d%d.example", i)),
			Action:  domain.ActionBlock,
			Enabled: true,
		})
	}
	only := newFakeAdapter("only")
	h := newHarness(t, Options{Adapters: []Adapter{only}, Concurrency: 3}, rules...)
	r := h.sync.RunSweep(context.Background(), friday2330)
	assert.Equal(t, 20, r.Count(OutcomeApplied))
	assert.LessOrEqual(t, only.maxActive.Load(), int32(3))
}

func TestRunSweep_AdapterTimeout(t *testing.T) {
	slow := newFakeAdapter("slow")
	slow.block = make(chan struct{})
	h := newHarness(t, Options{Adapters: []Adapter{slow}, AdapterTimeout: 20 * time.Millisecond}, fridayNight())

	r := h.sync.RunSweep(context.Background(), friday2330)
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Reason, context.DeadlineExceeded.Error())
	assert.Empty(t, h.applied(t, "slow"))
}

func TestRunSweep_OverlapIsSkipped(t *testing.T) {
	slow := newFakeAdapter("slow")
	slow.block = make(chan struct{})
	slow.entered = make(chan struct{}, 1)
	h := newHarness(t, Options{Adapters: []Adapter{slow}}, fridayNight())

	done := make(chan Report)
	go func() { done <- h.sync.RunSweep(context.Background(), friday2330) }()
	<-slow.entered

	r := h.sync.RunSweep(context.Background(), friday2331)
	assert.True(t, r.Skipped)
	assert.Empty(t, r.Entries)

	close(slow.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Count(OutcomeApplied))

	last, ok := h.sync.LastReport()
	require.True(t, ok)
	assert.Equal(t, friday2330, last.Instant, "skipped sweeps are not recorded as last")
}

func TestRunSweep_CancelledContextStillCompletes(t *testing.T) {
	h := newHarness(t, Options{}, fridayNight())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.sync.RunSweep(ctx, friday2330)
	assert.Equal(t, 2, r.Count(OutcomeApplied))
}

func TestRunSweep_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	h := newHarness(t, Options{Metrics: m}, fridayNight())
	h.b.FailFor("youtube.com", errors.New("nope"))

	h.sync.RunSweep(context.Background(), friday2330)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("adguard", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("pihole", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.applied.WithLabelValues("adguard")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.applied.WithLabelValues("pihole")))

	h.store.Fail(errors.New("x"))
	h.sync.RunSweep(context.Background(), friday2331)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("error")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "double registration must fail")
}

func TestRun_SweepsOnStartAndTick(t *testing.T) {
	clk := &clock.MockClock{CurrentTime: friday2330}
	h := newHarness(t, Options{Clock: clk}, fridayNight())
	trig := &fakeTrigger{c: make(chan time.Time)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.sync.Run(ctx, trig) }()

	require.Eventually(t, func() bool {
		_, ok := h.sync.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)

	clk.Set(saturday0730)
	trig.c <- saturday0730
	require.Eventually(t, func() bool {
		r, ok := h.sync.LastReport()
		return ok && r.Instant.Equal(saturday0730)
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, trig.stopped.Load())
	assert.Equal(t, []call{
		{op: "apply", domain: "youtube.com", action: domain.ActionBlock},
		{op: "retract", domain: "youtube.com"},
	}, h.a.Calls())
}

func TestReport_Helpers(t *testing.T) {
	r := Report{Entries: []Entry{
		{Backend: "a", Domain: "x.com", Outcome: OutcomeApplied},
		{Backend: "a", Domain: "y.com", Outcome: OutcomeFailed, Reason: "apply: boom"},
		{Backend: "b", Domain: "x.com", Outcome: OutcomeUnchanged},
	}}
	assert.Equal(t, 1, r.Count(OutcomeApplied))
	assert.Equal(t, 0, r.Count(OutcomeRetracted))
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, "a y.com failed:apply: boom", r.Failed()[0].String())
	assert.Equal(t, "b x.com unchanged", r.Entries[2].String())
}

func TestAdapterError(t *testing.T) {
	err := &AdapterError{Backend: "pihole", Domain: "x.com", Op: "apply", Err: context.DeadlineExceeded}
	assert.True(t, err.Timeout())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "pihole: apply x.com: context deadline exceeded", err.Error())
	assert.False(t, (&AdapterError{Err: errors.New("x")}).Timeout())
}
