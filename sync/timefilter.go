package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// jqlTimeLayout is the datetime form the tracker's query language accepts.
const jqlTimeLayout = "2006-01-02 15:04"

// FormatJQLTime renders a timestamp for use inside a JQL condition.
func FormatJQLTime(t time.Time) string {
	return t.UTC().Format(jqlTimeLayout)
}

// ParseJQLTime parses the JQL datetime form as UTC.
func ParseJQLTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(jqlTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse jql time %q: %w", s, err)
	}
	return t, nil
}

// TimeFilter bounds a sync run to a time window and optionally excludes
// issues already held locally. The zero bounds mean unbounded on that side.
type TimeFilter struct {
	Since            *time.Time `json:"since,omitempty"`
	Until            *time.Time `json:"until,omitempty"`
	GranularityHours int        `json:"granularity_hours"`
	ByCreated        bool       `json:"filter_by_created"`
	ByUpdated        bool       `json:"filter_by_updated"`
	ExcludeExisting  bool       `json:"exclude_existing"`
	ExcludedKeys     []string   `json:"excluded_issue_keys,omitempty"`
}

// NewTimeFilter returns an unbounded filter matching on both created and
// updated timestamps at one-hour granularity.
func NewTimeFilter() TimeFilter {
	return TimeFilter{
		GranularityHours: 1,
		ByCreated:        true,
		ByUpdated:        true,
		ExcludeExisting:  true,
	}
}

// LastHours bounds the filter to the most recent n hours.
func LastHours(n int) TimeFilter {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(n) * time.Hour)
	f := NewTimeFilter()
	f.Since = &since
	f.Until = &now
	return f
}

// LastDays bounds the filter to the most recent n days at daily
// granularity.
func LastDays(n int) TimeFilter {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -n)
	f := NewTimeFilter()
	f.Since = &since
	f.Until = &now
	f.GranularityHours = 24
	return f
}

// SinceLast builds the incremental window from a previous successful sync
// up to now.
func SinceLast(lastSync time.Time) TimeFilter {
	now := time.Now().UTC()
	f := NewTimeFilter()
	f.Since = &lastSync
	f.Until = &now
	return f
}

// Validate reports an inverted window, a non-positive granularity or a
// filter that matches on neither timestamp.
func (f TimeFilter) Validate() error {
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return errors.New("since must not be after until")
	}
	if f.GranularityHours < 1 {
		return errors.New("granularity must be at least one hour")
	}
	if !f.ByCreated && !f.ByUpdated {
		return errors.New("at least one of created or updated filtering must be enabled")
	}
	return nil
}

// JQLCondition renders the filter as a JQL fragment, or "" when nothing is
// bounded. Created and updated conditions are OR-combined when both are
// enabled; the key exclusion is AND-combined on top.
func (f TimeFilter) JQLCondition() string {
	var timeConds []string
	bound := func(field string) {
		if f.Since != nil {
			timeConds = append(timeConds, fmt.Sprintf("%s >= '%s'", field, FormatJQLTime(*f.Since)))
		}
		if f.Until != nil {
			timeConds = append(timeConds, fmt.Sprintf("%s <= '%s'", field, FormatJQLTime(*f.Until)))
		}
	}
	if f.ByCreated {
		bound("created")
	}
	if f.ByUpdated {
		bound("updated")
	}

	var conds []string
	if len(timeConds) > 0 {
		if f.ByCreated && f.ByUpdated {
			conds = append(conds, "("+strings.Join(timeConds, " OR ")+")")
		} else {
			conds = append(conds, strings.Join(timeConds, " AND "))
		}
	}
	if f.ExcludeExisting && len(f.ExcludedKeys) > 0 {
		quoted := make([]string, len(f.ExcludedKeys))
		for i, key := range f.ExcludedKeys {
			quoted[i] = "'" + key + "'"
		}
		conds = append(conds, "key NOT IN ("+strings.Join(quoted, ", ")+")")
	}
	return strings.Join(conds, " AND ")
}

// TimeChunk is one granularity-sized slice of a filter window.
type TimeChunk struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Chunks splits the window into granularity-sized pieces. Missing bounds
// default to a 30-day window ending now (or at Until).
func (f TimeFilter) Chunks() []TimeChunk {
	var start, end time.Time
	now := time.Now().UTC()
	switch {
	case f.Since != nil && f.Until != nil:
		start, end = *f.Since, *f.Until
	case f.Since != nil:
		start, end = *f.Since, now
	case f.Until != nil:
		start, end = f.Until.AddDate(0, 0, -30), *f.Until
	default:
		start, end = now.AddDate(0, 0, -30), now
	}

	step := time.Duration(f.GranularityHours) * time.Hour
	var chunks []TimeChunk
	for current := start; current.Before(end); {
		chunkEnd := current.Add(step)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, TimeChunk{Start: current, End: chunkEnd})
		current = chunkEnd
	}
	return chunks
}
