package sync

import (
	"context"
	"errors"
	"io"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/spegel/jira"
)

// fakeClient serves canned search pages per project and records the JQL it
// was asked to run.
type fakeClient struct {
	projects    []jira.Project
	projectsErr error
	issues      map[string][]jira.Issue
	searchErr   map[string]error
	queries     []string
	block       chan struct{}
}

func (c *fakeClient) GetProjects(ctx context.Context) ([]jira.Project, error) {
	if c.projectsErr != nil {
		return nil, c.projectsErr
	}
	return c.projects, nil
}

func (c *fakeClient) SearchIssues(ctx context.Context, params jira.SearchParams) (*jira.SearchResult, error) {
	if c.block != nil {
		<-c.block
	}
	c.queries = append(c.queries, params.JQL)

	projectKey := projectFromJQL(params.JQL)
	if err := c.searchErr[projectKey]; err != nil {
		return nil, err
	}
	issues := c.issues[projectKey]
	start := params.StartAt
	if start > len(issues) {
		start = len(issues)
	}
	end := start + params.MaxResults
	if end > len(issues) {
		end = len(issues)
	}
	return &jira.SearchResult{
		StartAt:    params.StartAt,
		MaxResults: params.MaxResults,
		Total:      len(issues),
		Issues:     issues[start:end],
	}, nil
}

func projectFromJQL(jql string) string {
	rest := strings.TrimPrefix(jql, "project = ")
	if i := strings.Index(rest, " "); i >= 0 {
		return rest[:i]
	}
	return rest
}

func fakeIssue(key string) jira.Issue {
	return jira.Issue{ID: "id-" + key, Key: key}
}

func TestSyncFull(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues: map[string][]jira.Issue{
			"TEST": {fakeIssue("TEST-1"), fakeIssue("TEST-2")},
		},
	}
	svc := NewService(DefaultConfig())

	result, err := svc.SyncFull(context.Background(), client)
	if err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	if !result.IsSuccess {
		t.Fatalf("result not successful: %v", result.ErrorMessages)
	}
	if result.SyncedIssues != 2 || result.NewIssues != 2 || result.UpdatedIssues != 0 {
		t.Fatalf("result counts = %d/%d/%d", result.SyncedIssues, result.NewIssues, result.UpdatedIssues)
	}
	if svc.State() != StateCompleted {
		t.Fatalf("State() = %v, want completed", svc.State())
	}
	if _, ok := svc.LastSuccessfulSync(); !ok {
		t.Fatal("LastSuccessfulSync() not recorded after success")
	}

	project, ok := result.ProjectResults["TEST"]
	if !ok || project.SyncedCount != 2 {
		t.Fatalf("ProjectResults = %+v", result.ProjectResults)
	}

	// A first run bounds the window to the last 24 hours.
	if len(client.queries) == 0 || !strings.Contains(client.queries[0], "project = TEST AND (") {
		t.Fatalf("queries = %v", client.queries)
	}
}

func TestSyncIncrementalClassifiesExisting(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues: map[string][]jira.Issue{
			"TEST": {fakeIssue("TEST-1"), fakeIssue("TEST-2")},
		},
	}
	svc := NewService(DefaultConfig())

	result, err := svc.SyncIncremental(context.Background(), client, []jira.Issue{fakeIssue("TEST-1")})
	if err != nil {
		t.Fatalf("SyncIncremental() error = %v", err)
	}
	if result.NewIssues != 1 || result.UpdatedIssues != 1 {
		t.Fatalf("new/updated = %d/%d, want 1/1", result.NewIssues, result.UpdatedIssues)
	}
}

func TestSyncIncrementalExcludesKnownKeysAfterSuccess(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues:   map[string][]jira.Issue{"TEST": {fakeIssue("TEST-1")}},
	}
	svc := NewService(DefaultConfig())
	ctx := context.Background()

	if _, err := svc.SyncFull(ctx, client); err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}

	// The second run windows from the last success and excludes held keys.
	if _, err := svc.SyncIncremental(ctx, client, []jira.Issue{fakeIssue("TEST-1")}); err != nil {
		t.Fatalf("SyncIncremental() error = %v", err)
	}
	last := client.queries[len(client.queries)-1]
	if !strings.Contains(last, "key NOT IN ('TEST-1')") {
		t.Fatalf("second run JQL = %q, want key exclusion", last)
	}
}

func TestSyncUsesConfiguredProjects(t *testing.T) {
	client := &fakeClient{
		projectsErr: errors.New("should not be called"),
		issues:      map[string][]jira.Issue{"DEMO": {fakeIssue("DEMO-1")}},
	}
	config := DefaultConfig()
	config.Projects = []string{"DEMO"}
	svc := NewService(config)

	result, err := svc.SyncFull(context.Background(), client)
	if err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	if !result.IsSuccess || result.SyncedIssues != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestSyncProjectListingFailure(t *testing.T) {
	client := &fakeClient{projectsErr: errors.New("remote down")}
	svc := NewService(DefaultConfig())

	result, err := svc.SyncFull(context.Background(), client)
	if err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	if result.IsSuccess {
		t.Fatal("result successful despite project listing failure")
	}
	if svc.State() != StateError {
		t.Fatalf("State() = %v, want error", svc.State())
	}
	if svc.StateError() == "" {
		t.Fatal("StateError() empty in error state")
	}
	if _, ok := svc.LastSuccessfulSync(); ok {
		t.Fatal("LastSuccessfulSync() recorded for failed run")
	}
}

func TestSyncContinuesPastFailingProject(t *testing.T) {
	client := &fakeClient{
		projects:  []jira.Project{{Key: "BAD"}, {Key: "GOOD"}},
		issues:    map[string][]jira.Issue{"GOOD": {fakeIssue("GOOD-1")}},
		searchErr: map[string]error{"BAD": errors.New("boom")},
	}
	svc := NewService(DefaultConfig())

	result, err := svc.SyncFull(context.Background(), client)
	if err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	if result.IsSuccess {
		t.Fatal("result successful despite project failure")
	}
	if result.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", result.ErrorCount)
	}
	if result.SyncedIssues != 1 {
		t.Fatalf("SyncedIssues = %d; the healthy project should still sync", result.SyncedIssues)
	}
	bad := result.ProjectResults["BAD"]
	if bad.ErrorCount != 1 || bad.SyncedCount != 0 {
		t.Fatalf("BAD project result = %+v", bad)
	}
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues:   map[string][]jira.Issue{"TEST": {fakeIssue("TEST-1")}},
		block:    make(chan struct{}),
	}
	svc := NewService(DefaultConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.SyncFull(context.Background(), client)
	}()

	// Wait for the first run to reach the Syncing state.
	for svc.State() != StateSyncing {
		time.Sleep(time.Millisecond)
	}
	if svc.CanSync() {
		t.Fatal("CanSync() = true while syncing")
	}
	if svc.ShouldSync() {
		t.Fatal("ShouldSync() = true while syncing")
	}
	if _, err := svc.SyncFull(context.Background(), client); !errors.Is(err, jira.ErrInvalidInput) {
		t.Fatalf("concurrent SyncFull() error = %v, want ErrInvalidInput", err)
	}

	close(client.block)
	<-done
	if svc.State() != StateCompleted {
		t.Fatalf("State() after release = %v", svc.State())
	}
}

// gatedClient holds every run that makes it past the Syncing guard inside
// GetProjects and counts how many got that far.
type gatedClient struct {
	release chan struct{}
	entered atomic.Int32
}

func (c *gatedClient) GetProjects(ctx context.Context) ([]jira.Project, error) {
	c.entered.Add(1)
	<-c.release
	return []jira.Project{{Key: "TEST"}}, nil
}

func (c *gatedClient) SearchIssues(ctx context.Context, params jira.SearchParams) (*jira.SearchResult, error) {
	return &jira.SearchResult{StartAt: params.StartAt, MaxResults: params.MaxResults}, nil
}

func TestSyncAdmitsExactlyOneRun(t *testing.T) {
	client := &gatedClient{release: make(chan struct{})}
	svc := NewService(DefaultConfig())

	const runs = 64
	errs := make(chan error, runs)
	var wg gosync.WaitGroup
	for range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SyncFull(context.Background(), client)
			errs <- err
		}()
	}

	// The winner is held at the gate, so every other run must be turned
	// away before anything is released.
	for i := 0; i < runs-1; i++ {
		if err := <-errs; !errors.Is(err, jira.ErrInvalidInput) {
			t.Fatalf("rejected SyncFull() error = %v, want ErrInvalidInput", err)
		}
	}
	if got := client.entered.Load(); got != 1 {
		t.Fatalf("runs past the guard = %d, want 1", got)
	}

	// Swapping the logger while the winner is still inside its run must
	// not disturb it.
	svc.SetLogger(log.New(io.Discard))

	close(client.release)
	wg.Wait()
	if err := <-errs; err != nil {
		t.Fatalf("winning SyncFull() error = %v", err)
	}
	if svc.State() != StateCompleted {
		t.Fatalf("State() = %v, want completed", svc.State())
	}
}

func TestHistoryBound(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues:   map[string][]jira.Issue{"TEST": {fakeIssue("TEST-1")}},
	}
	config := DefaultConfig()
	config.MaxHistoryCount = 3
	svc := NewService(config)

	for range 5 {
		if _, err := svc.SyncFull(context.Background(), client); err != nil {
			t.Fatalf("SyncFull() error = %v", err)
		}
	}
	history := svc.History()
	if len(history) != 3 {
		t.Fatalf("History() = %d results, want 3", len(history))
	}

	stats := svc.Stats()
	if stats.TotalSyncs != 3 || stats.SuccessfulSyncs != 3 {
		t.Fatalf("Stats() = %+v", stats)
	}
	if stats.LastSyncTime == nil || stats.LastSuccessfulSync == nil {
		t.Fatal("Stats() missing last sync markers")
	}

	latest := svc.LatestResult()
	if latest == nil || !latest.IsSuccess {
		t.Fatalf("LatestResult() = %+v", latest)
	}
}

func TestShouldSyncInterval(t *testing.T) {
	client := &fakeClient{
		projects: []jira.Project{{Key: "TEST"}},
		issues:   map[string][]jira.Issue{"TEST": {fakeIssue("TEST-1")}},
	}
	svc := NewService(DefaultConfig())

	if !svc.ShouldSync() {
		t.Fatal("ShouldSync() = false before any run")
	}
	if _, err := svc.SyncFull(context.Background(), client); err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	// The hourly interval has not elapsed.
	if svc.ShouldSync() {
		t.Fatal("ShouldSync() = true right after a success")
	}

	config := svc.Config()
	config.IntervalMinutes = 1
	svc.UpdateConfig(config)
	svc.mu.Lock()
	past := time.Now().UTC().Add(-2 * time.Minute)
	svc.lastSuccess = &past
	svc.mu.Unlock()
	if !svc.ShouldSync() {
		t.Fatal("ShouldSync() = false after the interval elapsed")
	}
}

func TestRecover(t *testing.T) {
	client := &fakeClient{projectsErr: errors.New("remote down")}
	svc := NewService(DefaultConfig())

	if _, err := svc.SyncFull(context.Background(), client); err != nil {
		t.Fatalf("SyncFull() error = %v", err)
	}
	if svc.State() != StateError {
		t.Fatalf("State() = %v, want error", svc.State())
	}

	svc.Recover()
	if svc.State() != StateIdle || svc.StateError() != "" {
		t.Fatalf("State() after Recover = %v (%q)", svc.State(), svc.StateError())
	}

	// Recover leaves non-errored states alone.
	svc.setState(StateCompleted, "")
	svc.Recover()
	if svc.State() != StateCompleted {
		t.Fatalf("State() = %v, want completed", svc.State())
	}
}

func TestRequestedFields(t *testing.T) {
	config := DefaultConfig()
	svc := NewService(config)
	if fields := svc.requestedFields(); fields != nil {
		t.Fatalf("requestedFields() without exclusions = %v, want nil", fields)
	}

	config.ExcludedFields = []string{"priority", "reporter"}
	svc.UpdateConfig(config)
	fields := svc.requestedFields()
	if len(fields) != 6 {
		t.Fatalf("requestedFields() = %v", fields)
	}
	for _, f := range fields {
		if f == "priority" || f == "reporter" {
			t.Fatalf("excluded field %q still requested", f)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:      "idle",
		StateSyncing:   "syncing",
		StateCompleted: "completed",
		StateError:     "error",
		State(99):      "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestDeduplicate(t *testing.T) {
	issues := []jira.Issue{
		fakeIssue("TEST-1"),
		fakeIssue("TEST-2"),
		fakeIssue("TEST-1"),
		fakeIssue("TEST-3"),
		fakeIssue("TEST-2"),
	}
	got := Deduplicate(issues)
	if len(got) != 3 {
		t.Fatalf("Deduplicate() = %d issues, want 3", len(got))
	}
	want := []string{"TEST-1", "TEST-2", "TEST-3"}
	for i, key := range want {
		if got[i].Key != key {
			t.Fatalf("Deduplicate() order[%d] = %s, want %s", i, got[i].Key, key)
		}
	}

	// Idempotent.
	again := Deduplicate(got)
	if len(again) != len(got) {
		t.Fatal("Deduplicate() not idempotent")
	}
}
