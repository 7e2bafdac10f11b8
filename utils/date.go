package utils

import (
	"strings"
	"time"
)

// upstream datasets mix ISO timestamps, compact dates and US-style dates
var upstreamDateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
}

// ParseUpstreamDate parses a date from an external dataset and returns the civil
// date at UTC midnight. Blank or unparseable input returns nil.
func ParseUpstreamDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range upstreamDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := CivilDate(t)
			return &d
		}
	}
	return nil
}

// CivilDate drops the clock portion of t, keeping the calendar date it shows in
// its own location, and returns it at UTC midnight.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TodayIn is the calendar date at now in loc, as UTC midnight.
func TodayIn(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return CivilDate(now.In(loc))
}

// FirstOfMonth returns the first day of the month of the civil date d.
func FirstOfMonth(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DaysBetween is the absolute whole-day distance between two civil dates.
func DaysBetween(a, b time.Time) int {
	diff := CivilDate(a).Sub(CivilDate(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// LatestDate returns the latest non-nil date.
func LatestDate(dates ...*time.Time) *time.Time {
	var latest *time.Time
	for _, d := range dates {
		if d == nil {
			continue
		}
		if latest == nil || d.After(*latest) {
			latest = d
		}
	}
	return latest
}
