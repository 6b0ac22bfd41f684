package synchronizer

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// Outcome is what a sweep did for one backend and domain.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRetracted Outcome = "retracted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one line of a sweep report.
type Entry struct {
	Backend  string                   `json:"backend"`
	Domain   string                   `json:"domain"`
	Outcome  Outcome                  `json:"outcome"`
	Reason   string                   `json:"reason,omitempty"`
	Decision domain.EffectiveDecision `json:"decision,omitzero"`
}

func (e Entry) String() string {
	s := e.Backend
	if e.Domain != "" {
		s += " " + e.Domain
	}
	if e.Outcome == OutcomeFailed {
		return s + " " + string(OutcomeFailed) + ":" + e.Reason
	}
	return s + " " + string(e.Outcome)
}

// Report summarizes one sweep. A skipped report carries only Skipped and
// Instant; a report with Err set made no adapter calls. A backend whose
// applied state could not be loaded shows up as a single failed entry with
// an empty Domain.
type Report struct {
	Instant  time.Time
	Started  time.Time
	Finished time.Time
	Skipped  bool
	Err      error
	Invalid  []domain.RuleIssue
	Entries  []Entry
}

// Count returns how many entries ended with outcome o.
func (r Report) Count(o Outcome) int {
	return lo.CountBy(r.Entries, func(e Entry) bool { return e.Outcome == o })
}

// Failed returns the entries that did not converge.
func (r Report) Failed() []Entry {
	return lo.Filter(r.Entries, func(e Entry, _ int) bool { return e.Outcome == OutcomeFailed })
}

func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r Report) MarshalJSON() ([]byte, error) {
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	entries := r.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(struct {
		Instant  time.Time          `json:"instant"`
		Started  time.Time          `json:"started,omitzero"`
		Finished time.Time          `json:"finished,omitzero"`
		Skipped  bool               `json:"skipped"`
		Error    string             `json:"error,omitempty"`
		Invalid  []domain.RuleIssue `json:"invalid,omitempty"`
		Counts   map[Outcome]int    `json:"counts"`
		Entries  []Entry            `json:"entries"`
	}{
		Instant:  r.Instant,
		Started:  r.Started,
		Finished: r.Finished,
		Skipped:  r.Skipped,
		Error:    errText,
		Invalid:  r.Invalid,
		Counts: map[Outcome]int{
			OutcomeApplied:   r.Count(OutcomeApplied),
			OutcomeRetracted: r.Count(OutcomeRetracted),
			OutcomeUnchanged: r.Count(OutcomeUnchanged),
			OutcomeFailed:    r.Count(OutcomeFailed),
		},
		Entries: entries,
	})
}
