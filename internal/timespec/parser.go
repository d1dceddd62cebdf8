// Package timespec parses the relative and absolute times accepted by the
// history filters.
package timespec

import (
	"fmt"
	"time"
)

// Parse turns spec into an absolute time. A Go duration ("90m", "2h") means
// that long before now; anything else must be RFC3339.
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or RFC3339 like '2026-01-02T15:04:05Z')", spec)
}

// Range is a closed time interval. A zero bound is open on that side.
type Range struct {
	Since time.Time
	Until time.Time
}

// ParseRange parses both bounds; either may be empty.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var r Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since, now); err != nil {
			return Range{}, fmt.Errorf("invalid since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until, now); err != nil {
			return Range{}, fmt.Errorf("invalid until: %w", err)
		}
	}

	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("since must be before until")
	}
	return r, nil
}

// Contains reports whether t falls inside r.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

// IsZero reports whether r has no bounds.
func (r Range) IsZero() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}
