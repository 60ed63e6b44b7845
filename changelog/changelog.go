// Package changelog turns raw issue changelog documents into flat history
// records. Parsing is pure: no I/O, deterministic output order.
package changelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/spegel/jira"
	"github.com/hylla/spegel/store"
)

// ErrInvalidData marks a changelog document that violates the expected
// shape. Returned errors wrap it and name the missing piece.
var ErrInvalidData = errors.New("invalid changelog data")

// Parse flattens a raw changelog document into one history record per
// changed field, in document order. The document must carry a histories
// array; each entry must carry an id, a created timestamp and an items
// array; each item must name its field. Everything else is optional.
func Parse(issueID, issueKey string, raw []byte) ([]store.IssueHistory, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode changelog: %v", ErrInvalidData, err)
	}

	historiesRaw, ok := doc["histories"]
	if !ok {
		return nil, fmt.Errorf("%w: no histories array in changelog", ErrInvalidData)
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(historiesRaw, &entries); err != nil {
		return nil, fmt.Errorf("%w: no histories array in changelog", ErrInvalidData)
	}

	now := time.Now().UTC()
	out := make([]store.IssueHistory, 0, len(entries))
	for _, entry := range entries {
		changeID, err := requireString(entry, "id", "missing change id in history")
		if err != nil {
			return nil, err
		}
		createdStr, err := requireString(entry, "created", "missing created timestamp in history")
		if err != nil {
			return nil, err
		}
		timestamp, err := parseTimestamp(createdStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timestamp format: %v", ErrInvalidData, err)
		}
		var author *store.HistoryAuthor
		if rawAuthor, ok := entry["author"]; ok && string(rawAuthor) != "null" {
			author, err = parseAuthor(rawAuthor)
			if err != nil {
				return nil, err
			}
		}

		itemsRaw, ok := entry["items"]
		if !ok {
			return nil, fmt.Errorf("%w: missing items array in history", ErrInvalidData)
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return nil, fmt.Errorf("%w: missing items array in history", ErrInvalidData)
		}

		for _, item := range items {
			fieldName, err := requireString(item, "field", "missing field name in history item")
			if err != nil {
				return nil, err
			}
			out = append(out, store.IssueHistory{
				IssueID:         issueID,
				IssueKey:        issueKey,
				ChangeID:        changeID,
				ChangeTimestamp: timestamp,
				Author:          author,
				FieldName:       fieldName,
				FieldID:         optionalString(item, "fieldId"),
				FromValue:       optionalString(item, "from"),
				ToValue:         optionalString(item, "to"),
				FromDisplay:     optionalString(item, "fromString"),
				ToDisplay:       optionalString(item, "toString"),
				CreatedAt:       now,
			})
		}
	}
	return out, nil
}

// FromIssue parses the changelog attached to a fetched issue. Issues
// fetched without the changelog expansion yield no records.
func FromIssue(issue jira.Issue) ([]store.IssueHistory, error) {
	if len(issue.Changelog) == 0 {
		return nil, nil
	}
	return Parse(issue.ID, issue.Key, issue.Changelog)
}

// parseTimestamp normalizes the tracker's "+0000" offset form before the
// RFC 3339 parse.
func parseTimestamp(value string) (time.Time, error) {
	if strings.Contains(value, "+") {
		value = strings.Replace(value, "+0000", "+00:00", 1)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseAuthor(raw json.RawMessage) (*store.HistoryAuthor, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode author: %v", ErrInvalidData, err)
	}
	accountID, err := requireString(obj, "accountId", "missing accountId in author")
	if err != nil {
		return nil, err
	}
	displayName, err := requireString(obj, "displayName", "missing displayName in author")
	if err != nil {
		return nil, err
	}
	return &store.HistoryAuthor{
		AccountID:    accountID,
		DisplayName:  displayName,
		EmailAddress: optionalString(obj, "emailAddress"),
	}, nil
}

func requireString(obj map[string]json.RawMessage, key, message string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidData, message)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidData, message)
	}
	return s, nil
}

func optionalString(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ExtractFieldChanges keeps only the records touching the named fields.
func ExtractFieldChanges(histories []store.IssueHistory, fieldNames []string) []store.IssueHistory {
	out := make([]store.IssueHistory, 0, len(histories))
	for _, h := range histories {
		for _, name := range fieldNames {
			if h.FieldName == name {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Summarize counts changes per field name.
func Summarize(histories []store.IssueHistory) map[string]int {
	summary := map[string]int{}
	for _, h := range histories {
		summary[h.FieldName]++
	}
	return summary
}

// GroupByType buckets records under display labels by change class.
func GroupByType(histories []store.IssueHistory) map[string][]store.IssueHistory {
	groups := map[string][]store.IssueHistory{}
	for _, h := range histories {
		var label string
		switch h.ChangeType() {
		case store.ChangeStatus:
			label = "Status Changes"
		case store.ChangeAssignee:
			label = "Assignee Changes"
		case store.ChangePriority:
			label = "Priority Changes"
		case store.ChangeCustomField:
			label = "Custom Field Changes"
		default:
			label = "Other Changes"
		}
		groups[label] = append(groups[label], h)
	}
	return groups
}
