package sqlitestore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/spegel/store"
)

// buildIssueWhere compiles an IssueFilter into a WHERE clause with
// positional args. The semantics mirror store.IssueFilter.Matches: list
// criteria are exact IN matches, text criteria are case-insensitive
// substring matches, ranges are inclusive. Labels is not translated; the
// in-memory matcher ignores it too.
func buildIssueWhere(filter *store.IssueFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}
	var conditions []string
	var args []any

	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		conditions = append(conditions, column+" IN ("+placeholders(len(values))+")")
		args = append(args, stringArgs(values)...)
	}
	in("project_key", filter.Projects)
	in("status_name", filter.Statuses)
	in("priority_name", filter.Priorities)
	in("issue_type_name", filter.IssueTypes)
	in("reporter_display_name", filter.Reporters)
	in("assignee_display_name", filter.Assignees)

	if filter.Created != nil {
		conditions = append(conditions, "created >= ?", "created <= ?")
		args = append(args, ts(filter.Created.Start), ts(filter.Created.End))
	}
	if filter.Updated != nil {
		conditions = append(conditions, "updated >= ?", "updated <= ?")
		args = append(args, ts(filter.Updated.Start), ts(filter.Updated.End))
	}
	if filter.SummaryContains != "" {
		conditions = append(conditions, `lower(summary) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.SummaryContains))
	}
	if filter.DescriptionContains != "" {
		conditions = append(conditions, `description IS NOT NULL AND lower(description) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.DescriptionContains))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// buildHistoryWhere compiles a HistoryFilter the same way. ChangeTypes is
// not translated, matching the in-memory semantics.
func buildHistoryWhere(filter *store.HistoryFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}
	var conditions []string
	var args []any

	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		conditions = append(conditions, column+" IN ("+placeholders(len(values))+")")
		args = append(args, stringArgs(values)...)
	}
	in("issue_key", filter.IssueKeys)
	in("field_name", filter.FieldNames)
	in("author_account_id", filter.Authors)

	if filter.Range != nil {
		conditions = append(conditions, "change_timestamp >= ?", "change_timestamp <= ?")
		args = append(args, ts(filter.Range.Start), ts(filter.Range.End))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// issueOrderClause maps a sort order onto ORDER BY. Absent priorities sort
// as the literal "None", matching the in-memory comparator.
func issueOrderClause(filter *store.IssueFilter) string {
	order := store.SortCreatedDesc
	if filter != nil && filter.Sort != "" {
		order = filter.Sort
	}
	switch order {
	case store.SortCreatedAsc:
		return " ORDER BY created ASC"
	case store.SortUpdatedAsc:
		return " ORDER BY updated ASC"
	case store.SortUpdatedDesc:
		return " ORDER BY updated DESC"
	case store.SortKeyAsc:
		return " ORDER BY issue_key ASC"
	case store.SortKeyDesc:
		return " ORDER BY issue_key DESC"
	case store.SortPriorityAsc:
		return " ORDER BY COALESCE(priority_name, 'None') ASC"
	case store.SortPriorityDesc:
		return " ORDER BY COALESCE(priority_name, 'None') DESC"
	default:
		return " ORDER BY created DESC"
	}
}

func historyOrderClause(filter *store.HistoryFilter) string {
	order := store.HistorySortTimestampDesc
	if filter != nil && filter.Sort != "" {
		order = filter.Sort
	}
	switch order {
	case store.HistorySortTimestampAsc:
		return " ORDER BY change_timestamp ASC"
	case store.HistorySortIssueKey:
		return " ORDER BY issue_key ASC"
	case store.HistorySortFieldName:
		return " ORDER BY field_name ASC"
	default:
		return " ORDER BY change_timestamp DESC"
	}
}

// pagingClause renders LIMIT/OFFSET. SQLite needs a LIMIT before OFFSET;
// -1 means unbounded.
func pagingClause(filter *store.IssueFilter) string {
	if filter == nil {
		return ""
	}
	switch {
	case filter.Limit > 0 && filter.Offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	case filter.Limit > 0:
		return fmt.Sprintf(" LIMIT %d", filter.Limit)
	case filter.Offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	default:
		return ""
	}
}

// likePattern builds a lowercased substring pattern with LIKE wildcards in
// the needle escaped so they match literally.
//
// SQLite's lower() folds ASCII only, so text matching here is
// case-insensitive for ASCII but not for non-ASCII letters; the JSON
// backend folds with strings.ToLower and so handles full Unicode.
func likePattern(text string) string {
	text = strings.ToLower(text)
	text = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
	return "%" + text + "%"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// sqlTimeLayout is fixed-width so lexicographic TEXT comparison orders
// timestamps correctly.
const sqlTimeLayout = "2006-01-02 15:04:05.000"

func ts(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(sqlTimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t := parseTS(v.String)
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// scanner is satisfied by sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanHistory rehydrates one issue_history row.
func scanHistory(s scanner) (store.IssueHistory, error) {
	var (
		h           store.IssueHistory
		accountID   sql.NullString
		displayName sql.NullString
		email       sql.NullString
		fieldID     sql.NullString
		fromValue   sql.NullString
		toValue     sql.NullString
		fromDisplay sql.NullString
		toDisplay   sql.NullString
		changedRaw  string
		createdRaw  string
	)
	if err := s.Scan(
		&h.HistoryID,
		&h.IssueID,
		&h.IssueKey,
		&h.ChangeID,
		&changedRaw,
		&accountID,
		&displayName,
		&email,
		&h.FieldName,
		&fieldID,
		&fromValue,
		&toValue,
		&fromDisplay,
		&toDisplay,
		&createdRaw,
	); err != nil {
		return store.IssueHistory{}, fmt.Errorf("scan history row: %w", err)
	}
	h.ChangeTimestamp = parseTS(changedRaw)
	h.CreatedAt = parseTS(createdRaw)
	if accountID.Valid {
		h.Author = &store.HistoryAuthor{
			AccountID:    accountID.String,
			DisplayName:  displayName.String,
			EmailAddress: email.String,
		}
	}
	h.FieldID = fieldID.String
	h.FromValue = fromValue.String
	h.ToValue = toValue.String
	h.FromDisplay = fromDisplay.String
	h.ToDisplay = toDisplay.String
	return h, nil
}
