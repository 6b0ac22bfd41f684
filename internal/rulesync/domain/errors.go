package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidRule is wrapped by every ValidationError so callers can test for
// admission defects with errors.Is without caring which field failed.
var ErrInvalidRule = errors.New("invalid rule")

// ValidationError reports a single defect found while admitting a rule,
// pattern or window. It is returned at construction time, never at evaluation time.
type ValidationError struct {
	Field  string // e.g. "pattern", "window.start"
	Value  any    // offending value, may be nil
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

func invalid(field string, value any, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}
