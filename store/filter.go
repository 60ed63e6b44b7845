package store

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hylla/spegel/jira"
)

// SortOrder selects the ordering applied to filtered issues.
type SortOrder string

// SortCreatedDesc and related constants define the supported orderings.
// The zero value sorts by creation time, newest first.
const (
	SortCreatedAsc   SortOrder = "created_asc"
	SortCreatedDesc  SortOrder = "created_desc"
	SortUpdatedAsc   SortOrder = "updated_asc"
	SortUpdatedDesc  SortOrder = "updated_desc"
	SortKeyAsc       SortOrder = "key_asc"
	SortKeyDesc      SortOrder = "key_desc"
	SortPriorityAsc  SortOrder = "priority_asc"
	SortPriorityDesc SortOrder = "priority_desc"
)

// normalize maps the zero value to the default ordering.
func (o SortOrder) normalize() SortOrder {
	if o == "" {
		return SortCreatedDesc
	}
	return o
}

// DateRange is an inclusive [Start, End] time window. Construction is
// lenient; Validate reports an inverted range.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange builds a range without validating it.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: start, End: end}
}

// LastDays returns the range covering the most recent n days.
func LastDays(n int) DateRange {
	end := time.Now().UTC()
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}

// LastHours returns the range covering the most recent n hours.
func LastHours(n int) DateRange {
	end := time.Now().UTC()
	return DateRange{Start: end.Add(-time.Duration(n) * time.Hour), End: end}
}

// Validate reports an inverted range.
func (r DateRange) Validate() error {
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: start date must be before end date", ErrInvalidFilter)
	}
	return nil
}

// Contains reports whether t falls within the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// IssueFilter describes which issues a load or count should return.
// List-valued criteria match any of their values; distinct criteria all have
// to hold. An empty criterion places no constraint. Labels is carried for
// round-tripping saved configs but is not applied by Matches; issues do not
// expose labels as a typed field.
type IssueFilter struct {
	Projects            []string   `json:"project_keys,omitempty"`
	Statuses            []string   `json:"statuses,omitempty"`
	Priorities          []string   `json:"priorities,omitempty"`
	IssueTypes          []string   `json:"issue_types,omitempty"`
	Reporters           []string   `json:"reporters,omitempty"`
	Assignees           []string   `json:"assignees,omitempty"`
	Created             *DateRange `json:"created_range,omitempty"`
	Updated             *DateRange `json:"updated_range,omitempty"`
	SummaryContains     string     `json:"summary_contains,omitempty"`
	DescriptionContains string     `json:"description_contains,omitempty"`
	Labels              []string   `json:"labels,omitempty"`
	Limit               int        `json:"limit,omitempty"`
	Offset              int        `json:"offset,omitempty"`
	Sort                SortOrder  `json:"sort_order,omitempty"`
}

// IsEmpty reports whether the filter constrains anything. Limit, offset and
// sort do not count; they shape the result rather than narrow it.
func (f *IssueFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.Projects) == 0 &&
		len(f.Statuses) == 0 &&
		len(f.Priorities) == 0 &&
		len(f.IssueTypes) == 0 &&
		len(f.Reporters) == 0 &&
		len(f.Assignees) == 0 &&
		f.Created == nil &&
		f.Updated == nil &&
		f.SummaryContains == "" &&
		f.DescriptionContains == "" &&
		len(f.Labels) == 0
}

// Validate checks the date ranges and paging values.
func (f *IssueFilter) Validate() error {
	if f == nil {
		return nil
	}
	if f.Created != nil {
		if err := f.Created.Validate(); err != nil {
			return fmt.Errorf("created range: %w", err)
		}
	}
	if f.Updated != nil {
		if err := f.Updated.Validate(); err != nil {
			return fmt.Errorf("updated range: %w", err)
		}
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidFilter)
	}
	return nil
}

// Matches reports whether the issue satisfies every set criterion.
func (f *IssueFilter) Matches(issue jira.Issue) bool {
	if f == nil {
		return true
	}
	if len(f.Projects) > 0 {
		if issue.Fields.Project == nil || !slices.Contains(f.Projects, issue.Fields.Project.Key) {
			return false
		}
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, issue.Fields.Status.Name) {
		return false
	}
	if len(f.Priorities) > 0 {
		if issue.Fields.Priority == nil || !slices.Contains(f.Priorities, issue.Fields.Priority.Name) {
			return false
		}
	}
	if len(f.IssueTypes) > 0 && !slices.Contains(f.IssueTypes, issue.Fields.IssueType.Name) {
		return false
	}
	if len(f.Reporters) > 0 && !slices.Contains(f.Reporters, issue.Fields.Reporter.DisplayName) {
		return false
	}
	if len(f.Assignees) > 0 {
		if issue.Fields.Assignee == nil || !slices.Contains(f.Assignees, issue.Fields.Assignee.DisplayName) {
			return false
		}
	}
	if f.Created != nil && !f.Created.Contains(issue.Fields.Created) {
		return false
	}
	if f.Updated != nil && !f.Updated.Contains(issue.Fields.Updated) {
		return false
	}
	if f.SummaryContains != "" {
		if !strings.Contains(strings.ToLower(issue.Fields.Summary), strings.ToLower(f.SummaryContains)) {
			return false
		}
	}
	if f.DescriptionContains != "" {
		if issue.Fields.Description == nil {
			return false
		}
		text := issue.Fields.DescriptionText()
		if !strings.Contains(strings.ToLower(text), strings.ToLower(f.DescriptionContains)) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and pages issues in memory. The document backend uses
// it directly; the SQL backend compiles the same semantics into a statement.
func (f *IssueFilter) Apply(issues []jira.Issue) []jira.Issue {
	matched := make([]jira.Issue, 0, len(issues))
	for _, issue := range issues {
		if f.Matches(issue) {
			matched = append(matched, issue)
		}
	}
	sortIssues(matched, f.sortOrder())

	offset := 0
	if f != nil {
		offset = f.Offset
	}
	if offset >= len(matched) {
		return []jira.Issue{}
	}
	matched = matched[offset:]
	if f != nil && f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

func (f *IssueFilter) sortOrder() SortOrder {
	if f == nil {
		return SortCreatedDesc
	}
	return f.Sort.normalize()
}

// sortIssues orders issues in place. Priority sorts lexicographically by
// priority name, with "None" standing in for absent priorities; ties keep
// their prior relative order.
func sortIssues(issues []jira.Issue, order SortOrder) {
	priorityName := func(issue jira.Issue) string {
		if issue.Fields.Priority == nil {
			return "None"
		}
		return issue.Fields.Priority.Name
	}
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		switch order {
		case SortCreatedAsc:
			return a.Fields.Created.Before(b.Fields.Created)
		case SortUpdatedAsc:
			return a.Fields.Updated.Before(b.Fields.Updated)
		case SortUpdatedDesc:
			return b.Fields.Updated.Before(a.Fields.Updated)
		case SortKeyAsc:
			return a.Key < b.Key
		case SortKeyDesc:
			return b.Key < a.Key
		case SortPriorityAsc:
			return priorityName(a) < priorityName(b)
		case SortPriorityDesc:
			return priorityName(b) < priorityName(a)
		default:
			return b.Fields.Created.Before(a.Fields.Created)
		}
	})
}
