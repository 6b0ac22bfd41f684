package lookup

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/common/utils"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/decisioncache/lru"
	"github.com/haukened/rr-rulesync/internal/rulesync/repos/ruleindex/bloom"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/resolver"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

var _ synchronizer.Publisher = (*Service)(nil)

// Service answers "what governs this domain right now" for a live query path,
// without waiting for the next sweep. It applies a bloom -> cache -> resolver
// pipeline over the latest published rule snapshot.
type Service struct {
	resolver *resolver.Resolver
	logger   log.Logger
	fpRate   float64

	// mu serializes Publish so the cache purge and the snapshot swap cannot
	// interleave with another publisher.
	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	cache lru.Cache
}

type snapshot struct {
	version uint64
	rules   []domain.Rule
	index   *bloom.Filter
}

type Options struct {
	Resolver *resolver.Resolver
	Cache    lru.Cache
	Logger   log.Logger
	// FPRate is the target false-positive rate of the anchor Bloom filter.
	FPRate float64
}

func NewService(opts Options) *Service {
	s := &Service{
		resolver: opts.Resolver,
		logger:   opts.Logger,
		fpRate:   opts.FPRate,
		cache:    opts.Cache,
	}
	if s.resolver == nil {
		s.resolver = resolver.NewResolver(resolver.Options{})
	}
	if s.logger == nil {
		s.logger = log.NewNoopLogger()
	}
	if s.cache == nil {
		s.cache, _ = lru.New(0)
	}
	s.snap.Store(&snapshot{index: bloom.New(0, s.fpRate)})
	return s
}

// Publish replaces the rule snapshot. Rules failing validation are dropped
// and returned as issues; the rest become visible to Resolve immediately.
func (s *Service) Publish(rules []domain.Rule) []domain.RuleIssue {
	valid, issues := domain.Admit(rules)

	index := bloom.New(uint64(len(valid)), s.fpRate)
	for _, r := range valid {
		index.Add(r.Pattern.Base())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snap.Load()
	s.snap.Store(&snapshot{version: prev.version + 1, rules: valid, index: index})
	s.cache.Purge()

	s.logger.Debug(map[string]any{
		"version": prev.version + 1,
		"rules":   len(valid),
		"skipped": len(issues),
	}, "Published rule snapshot")
	return issues
}

// Resolve returns the decision governing name at now, or false when no rule
// applies (implicit allow).
func (s *Service) Resolve(name string, now time.Time) (domain.EffectiveDecision, bool) {
	cn := utils.CanonicalDomain(name)
	if cn == "" {
		return domain.EffectiveDecision{}, false
	}
	snap := s.snap.Load()
	if !mightMatch(snap.index, cn) {
		return domain.EffectiveDecision{}, false
	}

	key := cacheKey(snap.version, cn, now)
	if e, ok := s.cache.Get(key); ok {
		return e.Decision, e.Found
	}
	d, ok := s.resolver.Resolve(snap.rules, cn, now)
	s.cache.Put(key, lru.Entry{Decision: d, Found: ok})
	return d, ok
}

// Candidates lists the active rules matching name at now, winner first.
func (s *Service) Candidates(name string, now time.Time) []domain.Rule {
	return s.resolver.Candidates(s.snap.Load().rules, name, now)
}

// Version returns how many snapshots have been published.
func (s *Service) Version() uint64 {
	return s.snap.Load().version
}

// mightMatch tests every label-boundary suffix of name against the anchor
// index. A pattern can only match name if its anchor is one of those suffixes,
// so a negative answer is definitive.
func mightMatch(index *bloom.Filter, name string) bool {
	for _, suffix := range utils.Suffixes(name) {
		if index.MightContain(suffix) {
			return true
		}
	}
	return false
}

// cacheKey scopes an entry to one snapshot and one minute, the finest
// granularity a window can change at.
func cacheKey(version uint64, name string, now time.Time) string {
	minute := now.Unix() / 60
	return strconv.FormatUint(version, 10) + "|" + name + "|" + strconv.FormatInt(minute, 10)
}
