package yamlfile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

var (
	_ synchronizer.RuleStore     = (*Store)(nil)
	_ synchronizer.IssueReporter = (*Store)(nil)
)

// file is the on-disk document.
type file struct {
	Rules []record `yaml:"rules" validate:"dive"`
}

// record is one rule as written by an operator. It accepts the canonical
// time_restrictions schema and the legacy days/start_time/end_time schema;
// legacy records are migrated to windows on load.
type record struct {
	ID             string         `yaml:"id" validate:"required"`
	Name           string         `yaml:"name"`
	Domain         string         `yaml:"domain" validate:"required"`
	Action         string         `yaml:"action" validate:"required,oneof=block allow redirect"`
	RedirectTarget string         `yaml:"redirect_target" validate:"required_if=Action redirect"`
	Enabled        *bool          `yaml:"enabled"`
	Priority       int            `yaml:"priority" validate:"gte=0"`
	Windows        []windowRecord `yaml:"time_restrictions" validate:"dive"`

	LegacyDays  string `yaml:"days"`
	LegacyStart string `yaml:"start_time"`
	LegacyEnd   string `yaml:"end_time"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type windowRecord struct {
	Days  dayList `yaml:"days"`
	Start string  `yaml:"start" validate:"required"`
	End   string  `yaml:"end" validate:"required"`
}

// dayList accepts a sequence of weekday indices or names, or a scalar such
// as "Everyday" or "Mon,Wed". An omitted list means every day. Decoding never
// fails the document: a bad list is kept as err and reported for its record only.
type dayList struct {
	set domain.Weekdays
	err error
}

func (d *dayList) UnmarshalYAML(n *yaml.Node) error {
	d.set, d.err = decodeDays(n)
	return nil
}

func decodeDays(n *yaml.Node) (domain.Weekdays, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return domain.ParseDayNames(n.Value)
	case yaml.SequenceNode:
		var idx []int
		for _, item := range n.Content {
			var i int
			if err := item.Decode(&i); err == nil {
				idx = append(idx, i)
				continue
			}
			set, err := domain.ParseDayNames(item.Value)
			if err != nil {
				return 0, err
			}
			idx = append(idx, set.Days()...)
		}
		return domain.NewWeekdays(idx...)
	default:
		return 0, fmt.Errorf("line %d: days must be a list or a string", n.Line)
	}
}

// Store is a read-only rule store backed by a YAML file. The file is re-read
// on every ListRules call so edits are picked up by the next sweep.
type Store struct {
	path     string
	logger   log.Logger
	validate *validator.Validate

	mu     sync.Mutex
	issues []domain.RuleIssue
}

// New returns a Store reading path.
func New(path string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Store{
		path:     path,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ListRules reads and converts the file. Records that fail validation are
// skipped and reported through Issues; only unreadable or unparsable files
// return an error.
func (s *Store) ListRules(ctx context.Context) ([]domain.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, issues, err := s.parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", s.path, err)
	}
	for _, is := range issues {
		s.logger.Debug(map[string]any{
			"rule_id": is.RuleID,
			"reason":  is.Reason,
			"file":    s.path,
		}, "Skipping invalid rule record")
	}
	s.mu.Lock()
	s.issues = issues
	s.mu.Unlock()
	return rules, nil
}

// Issues returns the records skipped by the most recent ListRules call.
func (s *Store) Issues() []domain.RuleIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RuleIssue(nil), s.issues...)
}

func (s *Store) parse(data []byte) ([]domain.Rule, []domain.RuleIssue, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	rules := make([]domain.Rule, 0, len(doc.Rules))
	var issues []domain.RuleIssue
	for i, rec := range doc.Rules {
		r, err := s.convert(rec)
		if err != nil {
			id := rec.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			issues = append(issues, domain.RuleIssue{RuleID: id, Name: rec.Name, Reason: err.Error()})
			continue
		}
		rules = append(rules, r)
	}
	return rules, issues, nil
}

func (s *Store) convert(rec record) (domain.Rule, error) {
	rec.Action = strings.ToLower(strings.TrimSpace(rec.Action))
	if err := s.validate.Struct(rec); err != nil {
		return domain.Rule{}, err
	}
	pattern, err := domain.NewPattern(rec.Domain)
	if err != nil {
		return domain.Rule{}, err
	}
	action, err := domain.ParseAction(rec.Action)
	if err != nil {
		return domain.Rule{}, err
	}
	windows, err := convertWindows(rec)
	if err != nil {
		return domain.Rule{}, err
	}
	r := domain.Rule{
		ID:             strings.TrimSpace(rec.ID),
		Name:           rec.Name,
		Pattern:        pattern,
		Action:         action,
		RedirectTarget: rec.RedirectTarget,
		Enabled:        rec.Enabled == nil || *rec.Enabled,
		Priority:       rec.Priority,
		Windows:        windows,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if err := r.Validate(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func convertWindows(rec record) ([]domain.Window, error) {
	legacy := rec.LegacyStart != "" || rec.LegacyEnd != "" || rec.LegacyDays != ""
	if legacy && len(rec.Windows) > 0 {
		return nil, fmt.Errorf("record mixes time_restrictions with legacy days/start_time/end_time")
	}
	if legacy {
		return domain.MigrateLegacySchedule(rec.LegacyDays, rec.LegacyStart, rec.LegacyEnd)
	}
	windows := make([]domain.Window, 0, len(rec.Windows))
	for i, wr := range rec.Windows {
		start, err := domain.ParseClock(wr.Start)
		if err != nil {
			return nil, fmt.Errorf("time_restrictions[%d]: %w", i, err)
		}
		end, err := domain.ParseClock(wr.End)
		if err != nil {
			return nil, fmt.Errorf("time_restrictions[%d]: %w", i, err)
		}
		if wr.Days.err != nil {
			return nil, fmt.Errorf("time_restrictions[%d]: %w", i, wr.Days.err)
		}
		days := wr.Days.set
		if days == 0 {
			days = domain.EveryDay
		}
		w := domain.Window{Days: days, StartMinute: start, EndMinute: end}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("time_restrictions[%d]: %w", i, err)
		}
		windows = append(windows, w)
	}
	return windows, nil
}
