package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay bounds StartMinute and EndMinute: both must be in [0, MinutesPerDay).
const MinutesPerDay = 24 * 60

// Weekdays is a set of days of the week stored as a bit mask, bit i = weekday i
// (0 = Sunday, matching time.Weekday).
type Weekdays uint8

// EveryDay is the full weekday set.
const EveryDay Weekdays = 1<<7 - 1

// NewWeekdays builds a set from weekday indices 0-6. Duplicates are allowed;
// an empty list or an index outside 0..6 is a ValidationError.
func NewWeekdays(days ...int) (Weekdays, error) {
	if len(days) == 0 {
		return 0, invalid("window.days", nil, "must not be empty")
	}
	var w Weekdays
	for _, d := range days {
		if d < 0 || d > 6 {
			return 0, invalid("window.days", d, "weekday must be in 0..6")
		}
		w |= 1 << uint(d)
	}
	return w, nil
}

// Has reports whether d is in the set.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Days returns the set as sorted weekday indices.
func (w Weekdays) Days() []int {
	out := make([]int, 0, 7)
	for d := 0; d < 7; d++ {
		if w.Has(time.Weekday(d)) {
			out = append(out, d)
		}
	}
	return out
}

func (w Weekdays) String() string {
	if w == EveryDay {
		return "every day"
	}
	names := make([]string, 0, 7)
	for _, d := range w.Days() {
		names = append(names, time.Weekday(d).String()[:3])
	}
	return strings.Join(names, ",")
}

// Window is a recurring weekday + time-of-day interval.
//
// When StartMinute <= EndMinute the window covers [StartMinute, EndMinute] on
// each day in Days. When StartMinute > EndMinute the window wraps past midnight:
// it starts on a day in Days and its early-morning tail belongs to that same
// start day, so Friday 22:00-06:00 with Days={Fri} covers Saturday 02:00.
type Window struct {
	Days        Weekdays
	StartMinute int
	EndMinute   int
}

// NewWindow constructs a validated Window.
func NewWindow(days []int, startMinute, endMinute int) (Window, error) {
	set, err := NewWeekdays(days...)
	if err != nil {
		return Window{}, err
	}
	w := Window{Days: set, StartMinute: startMinute, EndMinute: endMinute}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks the window bounds.
func (w Window) Validate() error {
	if w.Days == 0 {
		return invalid("window.days", nil, "must not be empty")
	}
	if w.Days&^EveryDay != 0 {
		return invalid("window.days", uint8(w.Days), "weekday must be in 0..6")
	}
	if w.StartMinute < 0 || w.StartMinute >= MinutesPerDay {
		return invalid("window.start", w.StartMinute, "minute must be in [0,1440)")
	}
	if w.EndMinute < 0 || w.EndMinute >= MinutesPerDay {
		return invalid("window.end", w.EndMinute, "minute must be in [0,1440)")
	}
	return nil
}

// Overnight reports whether the window wraps past midnight.
func (w Window) Overnight() bool {
	return w.StartMinute > w.EndMinute
}

// IsActive reports whether t falls inside the window, using t's own location.
func (w Window) IsActive(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	day := t.Weekday()
	if !w.Overnight() {
		return w.Days.Has(day) && m >= w.StartMinute && m <= w.EndMinute
	}
	if m >= w.StartMinute && w.Days.Has(day) {
		return true
	}
	// early-morning tail of a window that started the previous day
	return m <= w.EndMinute && w.Days.Has((day+6)%7)
}

func (w Window) String() string {
	return fmt.Sprintf("%s %s-%s", w.Days, FormatClock(w.StartMinute), FormatClock(w.EndMinute))
}

// ParseClock parses "HH:MM" (or "HH:MM:SS", seconds ignored) into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, invalid("time", s, "expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, invalid("time", s, "hour must be 00-23")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, invalid("time", s, "minute must be 00-59")
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, invalid("time", s, "second must be 00-59")
		}
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
