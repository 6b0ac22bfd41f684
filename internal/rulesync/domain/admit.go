package domain

// RuleIssue records a rule that was skipped because it failed validation.
type RuleIssue struct {
	RuleID string `json:"rule_id"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// Admit re-validates a rule snapshot and splits it into rules safe to
// evaluate and issues describing the ones that were skipped. Duplicate ids
// keep the first occurrence. The input slice is not modified.
func Admit(rules []Rule) ([]Rule, []RuleIssue) {
	valid := make([]Rule, 0, len(rules))
	var issues []RuleIssue
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			issues = append(issues, RuleIssue{RuleID: r.ID, Name: r.Name, Reason: err.Error()})
			continue
		}
		if _, dup := seen[r.ID]; dup {
			issues = append(issues, RuleIssue{RuleID: r.ID, Name: r.Name, Reason: "duplicate rule id"})
			continue
		}
		seen[r.ID] = struct{}{}
		valid = append(valid, r)
	}
	return valid, issues
}
