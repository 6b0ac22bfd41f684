package domain

import (
	"fmt"
	"strings"
)

// Action is what a rule asks the enforcement backend to do with a domain.
type Action uint8

const (
	// ActionUnknown is the zero value and never valid on an admitted rule.
	ActionUnknown Action = iota
	ActionBlock
	ActionAllow
	ActionRedirect
)

// String returns a stable string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionAllow:
		return "allow"
	case ActionRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("Action(%d)", a)
	}
}

// ParseAction converts a string into an Action.
// Accepts: "block", "allow", "redirect" (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock, nil
	case "allow":
		return ActionAllow, nil
	case "redirect":
		return ActionRedirect, nil
	default:
		return ActionUnknown, invalid("action", s, "must be one of block, allow, redirect")
	}
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	return a == ActionBlock || a == ActionAllow || a == ActionRedirect
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, invalid("action", uint8(a), "unknown action")
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
