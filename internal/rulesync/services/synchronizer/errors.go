package synchronizer

import (
	"context"
	"errors"
	"fmt"
)

// AdapterError describes one failed adapter call.
type AdapterError struct {
	Backend string
	Domain  string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Domain, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of its per-call budget.
func (e *AdapterError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
