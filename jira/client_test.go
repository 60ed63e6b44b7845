package jira

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewClient(\"\") error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewClient("https://example.atlassian.net"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewClient() without auth error = %v, want ErrInvalidConfig", err)
	}
	c, err := NewClient("https://example.atlassian.net/", WithBasicAuth("alice@example.com", "token"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.baseURL != "https://example.atlassian.net" {
		t.Fatalf("baseURL = %q, trailing slash not trimmed", c.baseURL)
	}
}

func TestSearchIssues(t *testing.T) {
	var gotPath, gotJQL, gotFields, gotUser, gotValidate string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotJQL = r.URL.Query().Get("jql")
		gotFields = r.URL.Query().Get("fields")
		gotValidate = r.URL.Query().Get("validateQuery")
		gotUser, _, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"startAt": 0, "maxResults": 50, "total": 1, "issues": [{"id": "10001", "key": "TEST-1", "fields": {"summary": "Hello", "status": {"name": "Open"}, "issuetype": {"name": "Task"}, "reporter": {"accountId": "acc-1", "displayName": "Alice"}, "created": "2024-01-15T10:30:00.000+0000", "updated": "2024-01-15T10:30:00.000+0000"}}]}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, WithBasicAuth("alice@example.com", "token"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	result, err := c.SearchIssues(context.Background(), SearchParams{
		JQL:        "project = TEST",
		MaxResults: 50,
		Fields:     []string{"summary", "status"},
	})
	if err != nil {
		t.Fatalf("SearchIssues() error = %v", err)
	}
	if gotPath != "/rest/api/3/search" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotJQL != "project = TEST" {
		t.Fatalf("jql = %q", gotJQL)
	}
	if gotFields != "summary,status" {
		t.Fatalf("fields = %q", gotFields)
	}
	if gotUser != "alice@example.com" {
		t.Fatalf("basic auth user = %q", gotUser)
	}
	if result.Total != 1 || len(result.Issues) != 1 || result.Issues[0].Key != "TEST-1" {
		t.Fatalf("result = %+v", result)
	}
	if gotValidate != "" {
		t.Fatalf("validateQuery sent unrequested: %q", gotValidate)
	}

	if _, err := c.SearchIssues(context.Background(), SearchParams{
		JQL:           "project = TEST",
		ValidateQuery: true,
	}); err != nil {
		t.Fatalf("SearchIssues() error = %v", err)
	}
	if gotValidate != "true" {
		t.Fatalf("validateQuery = %q, want %q", gotValidate, "true")
	}
}

func TestGetIssueExpandsChangelog(t *testing.T) {
	var gotExpand string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotExpand = r.URL.Query().Get("expand")
		w.Write([]byte(`{"id": "10001", "key": "TEST-1", "fields": {"summary": "Hello", "status": {"name": "Open"}, "issuetype": {"name": "Task"}, "reporter": {"accountId": "acc-1", "displayName": "Alice"}, "created": "2024-01-15T10:30:00.000+0000", "updated": "2024-01-15T10:30:00.000+0000"}, "changelog": {"histories": []}}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, WithBearerToken("pat"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	issue, err := c.GetIssue(context.Background(), "TEST-1", true)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if gotExpand != "changelog" {
		t.Fatalf("expand = %q", gotExpand)
	}
	if len(issue.Changelog) == 0 {
		t.Fatal("changelog not carried on the issue")
	}
}

func TestBearerAuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, WithBearerToken("pat-token"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.GetProjects(context.Background()); err != nil {
		t.Fatalf("GetProjects() error = %v", err)
	}
	if gotAuth != "Bearer pat-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestResponseErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		want   string
	}{
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }, "ErrNotFound"},
		{http.StatusTooManyRequests, func(err error) bool { return errors.Is(err, ErrRateLimited) }, "ErrRateLimited"},
		{http.StatusInternalServerError, func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode == 500 && apiErr.IsRetryable()
		}, "retryable APIError"},
		{http.StatusBadRequest, func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && !apiErr.IsRetryable()
		}, "non-retryable APIError"},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c, err := NewClient(server.URL, WithBearerToken("pat"))
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		_, err = c.GetIssue(context.Background(), "TEST-1", false)
		if err == nil || !tc.check(err) {
			t.Fatalf("status %d: error = %v, want %s", tc.status, err, tc.want)
		}
		server.Close()
	}
}
