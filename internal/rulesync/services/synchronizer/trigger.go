package synchronizer

import "time"

type intervalTrigger struct {
	ticker *time.Ticker
}

// NewIntervalTrigger fires every d. Ticks missed while a sweep is running are
// dropped, so a slow sweep never queues a backlog.
func NewIntervalTrigger(d time.Duration) Trigger {
	return &intervalTrigger{ticker: time.NewTicker(d)}
}

func (t *intervalTrigger) C() <-chan time.Time { return t.ticker.C }

func (t *intervalTrigger) Stop() { t.ticker.Stop() }
