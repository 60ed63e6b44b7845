package jira

import (
	"encoding/json"
	"fmt"
	"time"
)

// Issue represents a single work item as returned by the remote tracker.
// Changelog is kept raw so the changelog package can parse it on demand.
type Issue struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Self      string          `json:"self,omitempty"`
	Fields    IssueFields     `json:"fields"`
	Changelog json.RawMessage `json:"changelog,omitempty"`
}

// IssueFields holds the field payload of an issue. Well-known fields are
// typed; everything else the tracker returns (customfield_* and friends)
// lands in CustomFields and round-trips through marshal/unmarshal.
type IssueFields struct {
	Summary        string
	Description    any
	IssueType      IssueType
	Priority       *Priority
	Status         Status
	Assignee       *User
	Reporter       User
	Created        time.Time
	Updated        time.Time
	ResolutionDate *time.Time
	Project        *Project
	CustomFields   map[string]any
}

// knownFieldKeys are the wire names lifted out of the flattened field map.
var knownFieldKeys = map[string]struct{}{
	"summary":        {},
	"description":    {},
	"issuetype":      {},
	"priority":       {},
	"status":         {},
	"assignee":       {},
	"reporter":       {},
	"created":        {},
	"updated":        {},
	"resolutiondate": {},
	"project":        {},
}

// UnmarshalJSON lifts the typed fields and collects the rest into
// CustomFields.
func (f *IssueFields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode issue fields: %w", err)
	}

	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		return nil
	}
	takeTime := func(key string) (time.Time, error) {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return time.Time{}, nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode field %q: %w", key, err)
		}
		t, err := ParseTime(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode field %q: %w", key, err)
		}
		return t, nil
	}

	if err := take("summary", &f.Summary); err != nil {
		return err
	}
	if err := take("description", &f.Description); err != nil {
		return err
	}
	if err := take("issuetype", &f.IssueType); err != nil {
		return err
	}
	if err := take("priority", &f.Priority); err != nil {
		return err
	}
	if err := take("status", &f.Status); err != nil {
		return err
	}
	if err := take("assignee", &f.Assignee); err != nil {
		return err
	}
	if err := take("reporter", &f.Reporter); err != nil {
		return err
	}
	if err := take("project", &f.Project); err != nil {
		return err
	}

	var err error
	if f.Created, err = takeTime("created"); err != nil {
		return err
	}
	if f.Updated, err = takeTime("updated"); err != nil {
		return err
	}
	if resolved, err := takeTime("resolutiondate"); err != nil {
		return err
	} else if !resolved.IsZero() {
		f.ResolutionDate = &resolved
	}

	for key, v := range raw {
		if _, known := knownFieldKeys[key]; known {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		if f.CustomFields == nil {
			f.CustomFields = map[string]any{}
		}
		f.CustomFields[key] = value
	}
	return nil
}

// MarshalJSON re-flattens CustomFields alongside the typed fields.
func (f IssueFields) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for key, value := range f.CustomFields {
		out[key] = value
	}
	out["summary"] = f.Summary
	out["issuetype"] = f.IssueType
	out["status"] = f.Status
	out["reporter"] = f.Reporter
	out["created"] = FormatTime(f.Created)
	out["updated"] = FormatTime(f.Updated)
	if f.Description != nil {
		out["description"] = f.Description
	}
	if f.Priority != nil {
		out["priority"] = f.Priority
	}
	if f.Assignee != nil {
		out["assignee"] = f.Assignee
	}
	if f.Project != nil {
		out["project"] = f.Project
	}
	if f.ResolutionDate != nil {
		out["resolutiondate"] = FormatTime(*f.ResolutionDate)
	}
	return json.Marshal(out)
}

// DescriptionText returns the description as matchable text. Structured
// descriptions (ADF documents) are stringified with a canonical compact JSON
// encoding; both storage backends rely on the same form.
func (f IssueFields) DescriptionText() string {
	switch v := f.Description.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Project represents a tracker project.
type Project struct {
	ID             string `json:"id,omitempty"`
	Key            string `json:"key"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ProjectTypeKey string `json:"projectTypeKey,omitempty"`
	Lead           *User  `json:"lead,omitempty"`
}

// User represents a tracker account.
type User struct {
	AccountID    string            `json:"accountId"`
	DisplayName  string            `json:"displayName"`
	EmailAddress string            `json:"emailAddress,omitempty"`
	Active       *bool             `json:"active,omitempty"`
	TimeZone     string            `json:"timeZone,omitempty"`
	AvatarURLs   map[string]string `json:"avatarUrls,omitempty"`
}

// Status represents a workflow status.
type Status struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    *StatusCategory `json:"statusCategory,omitempty"`
}

// StatusCategory groups statuses by board column semantics.
type StatusCategory struct {
	ID        int    `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Name      string `json:"name,omitempty"`
	ColorName string `json:"colorName,omitempty"`
}

// Priority represents an issue priority.
type Priority struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// IssueType represents an issue type such as Bug or Story.
type IssueType struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Subtask     bool   `json:"subtask,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
}

// Changelog is the typed form of an issue's change history page.
type Changelog struct {
	StartAt    int                `json:"startAt"`
	MaxResults int                `json:"maxResults"`
	Total      int                `json:"total"`
	Histories  []ChangelogHistory `json:"histories"`
}

// ChangelogHistory is one changelog entry: an author, a timestamp and the
// field-level items changed together.
type ChangelogHistory struct {
	ID      string          `json:"id"`
	Author  *User           `json:"author,omitempty"`
	Created string          `json:"created"`
	Items   []ChangelogItem `json:"items"`
}

// ChangelogItem is a single field change within a changelog entry.
type ChangelogItem struct {
	Field      string `json:"field"`
	FieldType  string `json:"fieldtype,omitempty"`
	FieldID    string `json:"fieldId,omitempty"`
	From       string `json:"from,omitempty"`
	FromString string `json:"fromString,omitempty"`
	To         string `json:"to,omitempty"`
	ToString   string `json:"toString,omitempty"`
}

// SearchParams describes one page of a JQL search request.
type SearchParams struct {
	JQL           string   `json:"jql"`
	StartAt       int      `json:"startAt"`
	MaxResults    int      `json:"maxResults"`
	Fields        []string `json:"fields,omitempty"`
	Expand        []string `json:"expand,omitempty"`
	ValidateQuery bool     `json:"validateQuery,omitempty"`
}

// SearchResult is one page of a JQL search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}
