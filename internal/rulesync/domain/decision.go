package domain

// EffectiveDecision is the resolved outcome for a domain at one instant.
// It is computed fresh on every sweep and never mutated.
type EffectiveDecision struct {
	Domain         string `json:"domain"`
	Action         Action `json:"action"`
	RedirectTarget string `json:"redirect_target,omitempty"`
	SourceRuleID   string `json:"source_rule_id"`
}

// Equal reports whether d and o would leave a backend in the same state.
// SourceRuleID is informational and does not take part in the comparison:
// a different rule producing the same action is not a change to enforce.
func (d EffectiveDecision) Equal(o EffectiveDecision) bool {
	return d.Domain == o.Domain && d.Action == o.Action && d.RedirectTarget == o.RedirectTarget
}
