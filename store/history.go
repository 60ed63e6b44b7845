package store

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// ChangeType classifies what kind of change a history record captures.
type ChangeType string

// ChangeStatus and related constants are the recognized change classes.
const (
	ChangeStatus      ChangeType = "status_change"
	ChangeAssignee    ChangeType = "assignee_change"
	ChangePriority    ChangeType = "priority_change"
	ChangeFieldUpdate ChangeType = "field_update"
	ChangeCustomField ChangeType = "custom_field"
)

// HistorySortOrder selects the ordering for loaded history records.
type HistorySortOrder string

// HistorySortTimestampDesc is the default ordering; the zero value maps
// to it.
const (
	HistorySortTimestampAsc  HistorySortOrder = "timestamp_asc"
	HistorySortTimestampDesc HistorySortOrder = "timestamp_desc"
	HistorySortIssueKey      HistorySortOrder = "issue_key"
	HistorySortFieldName     HistorySortOrder = "field_name"
)

func (o HistorySortOrder) normalize() HistorySortOrder {
	if o == "" {
		return HistorySortTimestampDesc
	}
	return o
}

// HistoryAuthor identifies who made a change.
type HistoryAuthor struct {
	AccountID    string `json:"account_id"`
	DisplayName  string `json:"display_name"`
	EmailAddress string `json:"email_address,omitempty"`
}

// IssueHistory is one field-level change flattened out of an issue
// changelog. HistoryID is a storage surrogate assigned by the SQL backend;
// ChangeID is the tracker's changelog entry id, shared by items changed
// together.
type IssueHistory struct {
	HistoryID       int64          `json:"history_id,omitempty"`
	IssueID         string         `json:"issue_id"`
	IssueKey        string         `json:"issue_key"`
	ChangeID        string         `json:"change_id"`
	ChangeTimestamp time.Time      `json:"change_timestamp"`
	Author          *HistoryAuthor `json:"author,omitempty"`
	FieldName       string         `json:"field_name"`
	FieldID         string         `json:"field_id,omitempty"`
	FromValue       string         `json:"from_value,omitempty"`
	ToValue         string         `json:"to_value,omitempty"`
	FromDisplay     string         `json:"from_display_value,omitempty"`
	ToDisplay       string         `json:"to_display_value,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ChangeType derives the change class from the changed field. Status,
// assignee and priority are recognized by name; anything carrying a field
// id is a custom field.
func (h IssueHistory) ChangeType() ChangeType {
	switch h.FieldName {
	case "status":
		return ChangeStatus
	case "assignee":
		return ChangeAssignee
	case "priority":
		return ChangePriority
	}
	if h.FieldID != "" {
		return ChangeCustomField
	}
	return ChangeFieldUpdate
}

// ChangeSummary renders a one-line human description of the change.
func (h IssueHistory) ChangeSummary() string {
	author := "System"
	if h.Author != nil {
		author = h.Author.DisplayName
	}
	from := h.FromDisplay
	if from == "" {
		from = "None"
	}
	to := h.ToDisplay
	if to == "" {
		to = "None"
	}
	return fmt.Sprintf("%s: %s changed %s from '%s' to '%s'",
		h.ChangeTimestamp.UTC().Format("2006-01-02 15:04:05"), author, h.FieldName, from, to)
}

// HistoryFilter describes which history records a load should return.
// ChangeTypes is carried for saved configurations but not applied by
// Matches; classification happens on the caller's side via ChangeType.
type HistoryFilter struct {
	IssueKeys   []string         `json:"issue_keys,omitempty"`
	FieldNames  []string         `json:"field_names,omitempty"`
	Authors     []string         `json:"authors,omitempty"`
	Range       *DateRange       `json:"date_range,omitempty"`
	ChangeTypes []ChangeType     `json:"change_types,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Sort        HistorySortOrder `json:"sort_order,omitempty"`
}

// Validate rejects a zero limit that was explicitly negative and an
// inverted date range.
func (f *HistoryFilter) Validate() error {
	if f == nil {
		return nil
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidFilter)
	}
	if f.Range != nil {
		if err := f.Range.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the record satisfies every set criterion.
// Authors are matched by account id.
func (f *HistoryFilter) Matches(h IssueHistory) bool {
	if f == nil {
		return true
	}
	if len(f.IssueKeys) > 0 && !slices.Contains(f.IssueKeys, h.IssueKey) {
		return false
	}
	if len(f.FieldNames) > 0 && !slices.Contains(f.FieldNames, h.FieldName) {
		return false
	}
	if len(f.Authors) > 0 {
		if h.Author == nil || !slices.Contains(f.Authors, h.Author.AccountID) {
			return false
		}
	}
	if f.Range != nil && !f.Range.Contains(h.ChangeTimestamp) {
		return false
	}
	return true
}

// Apply filters, sorts and truncates history records in memory.
func (f *HistoryFilter) Apply(histories []IssueHistory) []IssueHistory {
	matched := make([]IssueHistory, 0, len(histories))
	for _, h := range histories {
		if f.Matches(h) {
			matched = append(matched, h)
		}
	}
	order := HistorySortTimestampDesc
	if f != nil {
		order = f.Sort.normalize()
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch order {
		case HistorySortTimestampAsc:
			return a.ChangeTimestamp.Before(b.ChangeTimestamp)
		case HistorySortIssueKey:
			return a.IssueKey < b.IssueKey
		case HistorySortFieldName:
			return a.FieldName < b.FieldName
		default:
			return b.ChangeTimestamp.Before(a.ChangeTimestamp)
		}
	})
	if f != nil && f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// HistoryStats aggregates a set of history records.
type HistoryStats struct {
	TotalChanges      int            `json:"total_changes"`
	UniqueIssues      int            `json:"unique_issues"`
	UniqueAuthors     int            `json:"unique_authors"`
	FieldChangeCounts map[string]int `json:"field_change_counts"`
	OldestChange      *time.Time     `json:"oldest_change,omitempty"`
	NewestChange      *time.Time     `json:"newest_change,omitempty"`
}

// CollectHistoryStats computes aggregates over the given records.
func CollectHistoryStats(histories []IssueHistory) HistoryStats {
	stats := HistoryStats{FieldChangeCounts: map[string]int{}}
	stats.TotalChanges = len(histories)

	issues := map[string]struct{}{}
	authors := map[string]struct{}{}
	for _, h := range histories {
		issues[h.IssueKey] = struct{}{}
		if h.Author != nil {
			authors[h.Author.AccountID] = struct{}{}
		}
		stats.FieldChangeCounts[h.FieldName]++
		ts := h.ChangeTimestamp
		if stats.OldestChange == nil || ts.Before(*stats.OldestChange) {
			t := ts
			stats.OldestChange = &t
		}
		if stats.NewestChange == nil || ts.After(*stats.NewestChange) {
			t := ts
			stats.NewestChange = &t
		}
	}
	stats.UniqueIssues = len(issues)
	stats.UniqueAuthors = len(authors)
	return stats
}
