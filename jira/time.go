package jira

import (
	"fmt"
	"strings"
	"time"
)

// trackerTimeLayout matches the offset form the tracker emits, e.g.
// "2024-01-15T10:30:00.000+0000".
const trackerTimeLayout = "2006-01-02T15:04:05.000-0700"

// ParseTime parses a tracker timestamp. RFC 3339 is accepted as-is; the
// tracker's "+0000" offset form is normalized first.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("parse time: empty value")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(trackerTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

// FormatTime renders a timestamp the way stored documents expect it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
