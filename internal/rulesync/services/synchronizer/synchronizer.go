package synchronizer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/clock"
	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/appliedstate"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/resolver"
)

var _ AppliedState = (*appliedstate.Memory)(nil)

const (
	DefaultConcurrency    = 4
	DefaultAdapterTimeout = 10 * time.Second
)

// Synchronizer drives every configured backend toward the decisions the rule
// set implies at the current instant.
type Synchronizer struct {
	store          RuleStore
	state          AppliedState
	adapters       []Adapter
	resolver       *resolver.Resolver
	publisher      Publisher
	clock          clock.Clock
	logger         log.Logger
	metrics        *Metrics
	concurrency    int
	adapterTimeout time.Duration

	inFlight atomic.Bool
	last     atomic.Pointer[Report]
}

type Options struct {
	Store     RuleStore
	State     AppliedState
	Adapters  []Adapter
	Resolver  *resolver.Resolver
	Publisher Publisher
	Clock     clock.Clock
	Logger    log.Logger
	Metrics   *Metrics
	// Concurrency bounds the adapter calls in flight during one sweep.
	Concurrency int
	// AdapterTimeout bounds each individual adapter call.
	AdapterTimeout time.Duration
}

func New(opts Options) (*Synchronizer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("synchronizer: rule store is required")
	}
	seen := make(map[string]struct{}, len(opts.Adapters))
	for _, a := range opts.Adapters {
		if _, dup := seen[a.Name()]; dup {
			return nil, fmt.Errorf("synchronizer: duplicate adapter name %q", a.Name())
		}
		seen[a.Name()] = struct{}{}
	}
	s := &Synchronizer{
		store:          opts.Store,
		state:          opts.State,
		adapters:       opts.Adapters,
		resolver:       opts.Resolver,
		publisher:      opts.Publisher,
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		concurrency:    opts.Concurrency,
		adapterTimeout: opts.AdapterTimeout,
	}
	if s.state == nil {
		s.state = appliedstate.NewMemory()
	}
	if s.resolver == nil {
		s.resolver = resolver.NewResolver(resolver.Options{})
	}
	if s.clock == nil {
		s.clock = &clock.RealClock{}
	}
	if s.logger == nil {
		s.logger = log.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics, _ = NewMetrics(nil)
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.adapterTimeout <= 0 {
		s.adapterTimeout = DefaultAdapterTimeout
	}
	return s, nil
}

// Run sweeps once immediately and then on every trigger tick until ctx is
// done. A sweep that has started always finishes before Run returns.
func (s *Synchronizer) Run(ctx context.Context, trigger Trigger) error {
	defer trigger.Stop()
	s.logger.Info(map[string]any{"backends": s.backendNames()}, "Synchronizer started")
	s.RunSweep(ctx, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(nil, "Synchronizer stopped")
			return nil
		case <-trigger.C():
			s.RunSweep(ctx, s.clock.Now())
		}
	}
}

// LastReport returns the most recent completed sweep report.
func (s *Synchronizer) LastReport() (Report, bool) {
	r := s.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// RunSweep performs one full fetch, resolve, diff and converge pass at
// instant now. If another sweep is in flight it returns a skipped report
// without doing anything. Cancelling ctx does not interrupt a started sweep.
func (s *Synchronizer) RunSweep(ctx context.Context, now time.Time) Report {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn(map[string]any{"instant": now}, "Sweep already in flight, skipping")
		r := Report{Instant: now, Skipped: true}
		s.metrics.observe(r)
		return r
	}
	defer s.inFlight.Store(false)

	ctx = context.WithoutCancel(ctx)
	r := s.sweep(ctx, now)
	r.Finished = s.clock.Now()

	s.metrics.observe(r)
	s.last.Store(&r)
	s.logReport(r)
	return r
}

type job struct {
	adapter Adapter
	domain  string
	retract bool
	want    domain.EffectiveDecision
	prev    domain.EffectiveDecision
}

func (s *Synchronizer) sweep(ctx context.Context, now time.Time) Report {
	r := Report{Instant: now, Started: s.clock.Now()}

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		r.Err = fmt.Errorf("fetch rules: %w", err)
		return r
	}
	valid, issues := domain.Admit(rules)
	if ir, ok := s.store.(IssueReporter); ok {
		r.Invalid = append(r.Invalid, ir.Issues()...)
	}
	r.Invalid = append(r.Invalid, issues...)
	if s.publisher != nil {
		s.publisher.Publish(valid)
	}

	// A backend whose state cannot be read is reported and left alone for
	// this sweep; the others still converge.
	applied := make(map[string]map[string]domain.EffectiveDecision, len(s.adapters))
	var healthy []Adapter
	for _, a := range s.adapters {
		m, err := s.state.Load(a.Name())
		if err != nil {
			s.logger.Error(map[string]any{"backend": a.Name(), "error": err}, "Failed to load applied state")
			r.Entries = append(r.Entries, Entry{Backend: a.Name(), Outcome: OutcomeFailed, Reason: "load state: " + err.Error()})
			continue
		}
		applied[a.Name()] = m
		healthy = append(healthy, a)
	}

	tracked := s.trackedDomains(valid, applied)
	desired := s.resolver.ResolveAll(valid, tracked, now)

	var jobs []job
	for _, a := range healthy {
		for _, name := range tracked {
			want, wantOK := desired[name]
			have, haveOK := applied[a.Name()][name]
			switch {
			case wantOK && haveOK && want.Equal(have):
				r.Entries = append(r.Entries, Entry{Backend: a.Name(), Domain: name, Outcome: OutcomeUnchanged, Decision: want})
			case wantOK:
				jobs = append(jobs, job{adapter: a, domain: name, want: want, prev: have})
			case haveOK:
				jobs = append(jobs, job{adapter: a, domain: name, retract: true, want: have, prev: have})
			}
		}
	}

	r.Entries = append(r.Entries, s.converge(ctx, jobs)...)
	s.commit(applied, r.Entries)

	slices.SortFunc(r.Entries, func(a, b Entry) int {
		if c := strings.Compare(a.Backend, b.Backend); c != 0 {
			return c
		}
		return strings.Compare(a.Domain, b.Domain)
	})
	return r
}

// trackedDomains is every pattern anchor of the admitted rules, enabled or
// not, plus every domain any backend still holds. The second half is what
// lets a lapsed or deleted rule be retracted.
func (s *Synchronizer) trackedDomains(rules []domain.Rule, applied map[string]map[string]domain.EffectiveDecision) []string {
	names := lo.Map(rules, func(r domain.Rule, _ int) string { return r.Pattern.Base() })
	for _, m := range applied {
		names = append(names, lo.Keys(m)...)
	}
	names = lo.Uniq(names)
	slices.Sort(names)
	return names
}

// converge runs jobs on a bounded pool. Every job yields exactly one entry;
// a failure never cancels its siblings.
func (s *Synchronizer) converge(ctx context.Context, jobs []job) []Entry {
	entries := make([]Entry, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			entries[i] = s.execute(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return entries
}

func (s *Synchronizer) execute(ctx context.Context, j job) Entry {
	ctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	defer cancel()

	e := Entry{Backend: j.adapter.Name(), Domain: j.domain, Decision: j.want}
	op := "apply"
	var err error
	if j.retract {
		op = "retract"
		err = j.adapter.Retract(ctx, j.prev)
	} else {
		err = j.adapter.Apply(ctx, j.want, j.prev)
	}
	if err != nil {
		aerr := &AdapterError{Backend: e.Backend, Domain: j.domain, Op: op, Err: err}
		e.Outcome = OutcomeFailed
		e.Reason = op + ": " + err.Error()
		s.logger.Warn(map[string]any{
			"backend": aerr.Backend,
			"domain":  aerr.Domain,
			"op":      aerr.Op,
			"timeout": aerr.Timeout(),
			"error":   aerr,
		}, "Adapter call failed")
		return e
	}
	if j.retract {
		e.Outcome = OutcomeRetracted
	} else {
		e.Outcome = OutcomeApplied
	}
	return e
}

// commit records successful outcomes. It runs after the pool has drained so
// the state store only ever sees one writer.
func (s *Synchronizer) commit(applied map[string]map[string]domain.EffectiveDecision, entries []Entry) {
	for i := range entries {
		e := &entries[i]
		var err error
		switch e.Outcome {
		case OutcomeUnchanged:
			// Same enforcement from a different rule: refresh the attribution
			// without calling the backend.
			if applied[e.Backend][e.Domain].SourceRuleID == e.Decision.SourceRuleID {
				continue
			}
			if err := s.state.Put(e.Backend, e.Decision); err != nil {
				s.logger.Warn(map[string]any{"backend": e.Backend, "domain": e.Domain, "error": err}, "Failed to refresh applied state")
				continue
			}
			applied[e.Backend][e.Domain] = e.Decision
			continue
		case OutcomeApplied:
			if err = s.state.Put(e.Backend, e.Decision); err == nil {
				applied[e.Backend][e.Domain] = e.Decision
			}
		case OutcomeRetracted:
			if err = s.state.Delete(e.Backend, e.Domain); err == nil {
				delete(applied[e.Backend], e.Domain)
			}
		default:
			continue
		}
		if err != nil {
			s.logger.Error(map[string]any{"backend": e.Backend, "domain": e.Domain, "error": err}, "Failed to record applied state")
			e.Reason = "record state: " + err.Error()
			e.Outcome = OutcomeFailed
		}
	}
	for backend, m := range applied {
		s.metrics.setApplied(backend, len(m))
	}
}

func (s *Synchronizer) backendNames() []string {
	return lo.Map(s.adapters, func(a Adapter, _ int) string { return a.Name() })
}

func (s *Synchronizer) logReport(r Report) {
	for _, issue := range r.Invalid {
		s.logger.Warn(map[string]any{"rule_id": issue.RuleID, "reason": issue.Reason}, "Skipped invalid rule")
	}
	if r.Err != nil {
		s.logger.Error(map[string]any{"instant": r.Instant, "error": r.Err}, "Sweep failed")
		return
	}
	s.logger.Info(map[string]any{
		"instant":   r.Instant,
		"applied":   r.Count(OutcomeApplied),
		"retracted": r.Count(OutcomeRetracted),
		"unchanged": r.Count(OutcomeUnchanged),
		"failed":    r.Count(OutcomeFailed),
		"invalid":   len(r.Invalid),
		"duration":  r.Duration().String(),
	}, "Sweep complete")
}
