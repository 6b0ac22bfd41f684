package domain

import (
	"strings"
)

// legacyEveryDay is the token the single-window schema used for all seven days.
const legacyEveryDay = "everyday"

var weekdayNames = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tues": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thur": 4, "thurs": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// MigrateLegacySchedule converts the single start/end-per-rule schema with
// comma-separated day names ("Mon,Tue" or "Everyday") into canonical windows.
//
// Both times empty means the rule was never time gated and yields no windows.
// An empty day list is treated as every day, which is how the old schema
// behaved when only times were set.
func MigrateLegacySchedule(days, startTime, endTime string) ([]Window, error) {
	startTime = strings.TrimSpace(startTime)
	endTime = strings.TrimSpace(endTime)
	if startTime == "" && endTime == "" {
		return nil, nil
	}
	if startTime == "" || endTime == "" {
		return nil, invalid("schedule", startTime+"-"+endTime, "start_time and end_time must be set together")
	}
	start, err := ParseClock(startTime)
	if err != nil {
		return nil, err
	}
	end, err := ParseClock(endTime)
	if err != nil {
		return nil, err
	}
	set, err := ParseDayNames(days)
	if err != nil {
		return nil, err
	}
	w := Window{Days: set, StartMinute: start, EndMinute: end}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return []Window{w}, nil
}

// ParseDayNames parses a comma-separated list of weekday names
// (short or long, case-insensitive). "Everyday" anywhere in the list, or an
// empty list, selects every day.
func ParseDayNames(s string) (Weekdays, error) {
	if strings.TrimSpace(s) == "" {
		return EveryDay, nil
	}
	var set Weekdays
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if name == legacyEveryDay {
			return EveryDay, nil
		}
		d, ok := weekdayNames[name]
		if !ok {
			return 0, invalid("days", part, "unknown weekday name")
		}
		set |= 1 << uint(d)
	}
	if set == 0 {
		return EveryDay, nil
	}
	return set, nil
}
