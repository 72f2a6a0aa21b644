package utils

import (
	"fmt"
	"time"
)

// Clock returns the current time. Components take one so tests can drive time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}

// Stale reports whether last is older than maxAge at now.
func Stale(last, now time.Time, maxAge time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > maxAge
}
