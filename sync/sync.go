// Package sync drives incremental mirroring of remote issues. The service
// is a small state machine: Idle until a run starts, Syncing while project
// pages are fetched, then Completed or Error; an errored service goes back
// to Idle only through Recover. Runs never retry on their own.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/spegel/jira"
)

// pageSize is the search page size used during sync runs.
const pageSize = 1000

// Client is the slice of the remote tracker the service needs. The HTTP
// client in the jira package satisfies it; tests substitute fakes.
type Client interface {
	SearchIssues(ctx context.Context, params jira.SearchParams) (*jira.SearchResult, error)
	GetProjects(ctx context.Context) ([]jira.Project, error)
}

// State is the lifecycle position of the service.
type State int

// StateIdle through StateError are the reachable states.
const (
	StateIdle State = iota
	StateSyncing
	StateCompleted
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config controls sync cadence and scope.
type Config struct {
	// IntervalMinutes is the minimum spacing ShouldSync enforces between
	// successful runs.
	IntervalMinutes int
	// MaxHistoryCount bounds the retained run results; the oldest is
	// evicted first.
	MaxHistoryCount int
	// ConcurrentProjects is advisory parallelism for callers that fan out
	// project syncs themselves.
	ConcurrentProjects int
	// Projects limits a run to these project keys. Empty means all
	// projects the remote reports.
	Projects []string
	// ExcludedFields trims the requested field set on search calls.
	ExcludedFields []string
	// EnableTimeOptimization keeps window chunking available to callers.
	EnableTimeOptimization bool
}

// DefaultConfig returns the standard cadence: hourly syncs, one hundred
// retained results, three projects in flight.
func DefaultConfig() Config {
	return Config{
		IntervalMinutes:        60,
		MaxHistoryCount:        100,
		ConcurrentProjects:     3,
		EnableTimeOptimization: true,
	}
}

// ProjectResult accumulates per-project counters for one run.
type ProjectResult struct {
	ProjectKey   string    `json:"project_key"`
	SyncedCount  int       `json:"synced_count"`
	NewCount     int       `json:"new_count"`
	UpdatedCount int       `json:"updated_count"`
	ErrorCount   int       `json:"error_count"`
	LastSyncTime time.Time `json:"last_sync_time"`
}

// Result is the record of one sync run.
type Result struct {
	StartTime      time.Time                `json:"start_time"`
	EndTime        time.Time                `json:"end_time"`
	SyncedIssues   int                      `json:"synced_issues_count"`
	NewIssues      int                      `json:"new_issues_count"`
	UpdatedIssues  int                      `json:"updated_issues_count"`
	DeletedIssues  int                      `json:"deleted_issues_count"`
	ErrorCount     int                      `json:"error_count"`
	ErrorMessages  []string                 `json:"error_messages,omitempty"`
	ProjectResults map[string]ProjectResult `json:"project_stats"`
	IsSuccess      bool                     `json:"is_success"`
}

func newResult() *Result {
	return &Result{
		StartTime:      time.Now().UTC(),
		ProjectResults: map[string]ProjectResult{},
	}
}

func (r *Result) addError(message string) {
	r.ErrorMessages = append(r.ErrorMessages, message)
	r.ErrorCount++
}

func (r *Result) finish() {
	r.EndTime = time.Now().UTC()
	r.IsSuccess = r.ErrorCount == 0
}

// Duration returns the wall-clock length of the run.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// ServiceStats summarizes all retained runs.
type ServiceStats struct {
	TotalSyncs         int           `json:"total_syncs"`
	SuccessfulSyncs    int           `json:"successful_syncs"`
	TotalIssuesSynced  int           `json:"total_issues_synced"`
	AverageDuration    time.Duration `json:"average_duration"`
	LastSyncTime       *time.Time    `json:"last_sync_time,omitempty"`
	LastSuccessfulSync *time.Time    `json:"last_successful_sync_time,omitempty"`
}

// Service coordinates sync runs against a remote tracker. All methods are
// safe for concurrent use.
type Service struct {
	mu          gosync.Mutex
	config      Config
	state       State
	stateErr    string
	history     []Result
	lastSuccess *time.Time
	logger      *log.Logger
}

// NewService builds a service with the given config. Zero cadence values
// fall back to the defaults.
func NewService(config Config) *Service {
	if config.IntervalMinutes <= 0 {
		config.IntervalMinutes = 60
	}
	if config.MaxHistoryCount <= 0 {
		config.MaxHistoryCount = 100
	}
	if config.ConcurrentProjects <= 0 {
		config.ConcurrentProjects = 3
	}
	return &Service{config: config, state: StateIdle, logger: log.Default()}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger *log.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Config returns a copy of the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// UpdateConfig replaces the configuration for subsequent runs.
func (s *Service) UpdateConfig(config Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateError returns the message attached to an Error state, or "".
func (s *Service) StateError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateErr
}

// History returns a copy of the retained run results, oldest first.
func (s *Service) History() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.history))
	copy(out, s.history)
	return out
}

// LatestResult returns the most recent run result, or nil.
func (s *Service) LatestResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	r := s.history[len(s.history)-1]
	return &r
}

// LastSuccessfulSync returns when the last fully successful run finished.
func (s *Service) LastSuccessfulSync() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSuccess == nil {
		return time.Time{}, false
	}
	return *s.lastSuccess, true
}

// CanSync reports whether a run may start now.
func (s *Service) CanSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateSyncing
}

// ShouldSync reports whether enough time has passed since the last
// successful run. A service that never succeeded always wants to sync.
func (s *Service) ShouldSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSyncing {
		return false
	}
	if s.lastSuccess == nil {
		return true
	}
	elapsed := time.Since(*s.lastSuccess)
	return elapsed >= time.Duration(s.config.IntervalMinutes)*time.Minute
}

// Recover moves an errored service back to Idle. Any other state is left
// alone.
func (s *Service) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError {
		s.state = StateIdle
		s.stateErr = ""
	}
}

func (s *Service) setState(state State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.stateErr = errMsg
}

// tryStartSync atomically moves the service into Syncing. It reports false
// when a run is already in flight, so at most one caller wins.
func (s *Service) tryStartSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSyncing {
		return false
	}
	s.state = StateSyncing
	s.stateErr = ""
	return true
}

// runLogger returns the logger a run should hold onto; SetLogger swaps the
// field under the mutex.
func (s *Service) runLogger() *log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// addResult appends to the bounded history and records full success.
func (s *Service) addResult(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= s.config.MaxHistoryCount {
		s.history = s.history[1:]
	}
	if result.IsSuccess {
		end := result.EndTime
		s.lastSuccess = &end
	}
	s.history = append(s.history, result)
}

// SyncFull fetches without regard to previously held issues.
func (s *Service) SyncFull(ctx context.Context, client Client) (*Result, error) {
	return s.SyncIncremental(ctx, client, nil)
}

// SyncIncremental runs one sync pass. The window is everything since the
// last successful run, or the last 24 hours on a first run. Issues already
// present in existing are counted as updated rather than new. A failing
// project is recorded and skipped; only filter validation and project
// listing abort the whole run. The returned Result is also appended to the
// service history.
func (s *Service) SyncIncremental(ctx context.Context, client Client, existing []jira.Issue) (*Result, error) {
	if !s.tryStartSync() {
		return nil, fmt.Errorf("%w: sync already in progress", jira.ErrInvalidInput)
	}
	logger := s.runLogger()
	result := newResult()

	var filter TimeFilter
	if last, ok := s.LastSuccessfulSync(); ok {
		filter = SinceLast(last)
		filter.ExcludedKeys = issueKeys(existing)
	} else {
		filter = LastHours(24)
	}
	if err := filter.Validate(); err != nil {
		msg := fmt.Sprintf("filter configuration error: %v", err)
		result.addError(msg)
		result.finish()
		s.setState(StateError, msg)
		s.addResult(*result)
		return result, nil
	}

	existingKeys := make(map[string]struct{}, len(existing))
	for _, issue := range existing {
		existingKeys[issue.Key] = struct{}{}
	}

	projects := s.Config().Projects
	if len(projects) == 0 {
		remote, err := client.GetProjects(ctx)
		if err != nil {
			msg := fmt.Sprintf("failed to list projects: %v", err)
			result.addError(msg)
			result.finish()
			s.setState(StateError, msg)
			s.addResult(*result)
			return result, nil
		}
		for _, p := range remote {
			projects = append(projects, p.Key)
		}
	}

	timeCondition := filter.JQLCondition()
	for _, projectKey := range projects {
		stats := s.syncProject(ctx, client, logger, projectKey, timeCondition, existingKeys, result)
		stats.LastSyncTime = time.Now().UTC()
		result.ProjectResults[projectKey] = stats
	}

	result.finish()
	if result.IsSuccess {
		s.setState(StateCompleted, "")
		logger.Info("sync completed",
			"synced", result.SyncedIssues,
			"new", result.NewIssues,
			"updated", result.UpdatedIssues,
			"projects", len(projects))
	} else {
		msg := fmt.Sprintf("sync finished with %d errors", result.ErrorCount)
		s.setState(StateError, msg)
		logger.Error("sync finished with errors",
			"errors", result.ErrorCount,
			"synced", result.SyncedIssues)
	}
	s.addResult(*result)
	return result, nil
}

// syncProject paginates one project's search and folds counts into result.
func (s *Service) syncProject(ctx context.Context, client Client, logger *log.Logger, projectKey, timeCondition string, existingKeys map[string]struct{}, result *Result) ProjectResult {
	stats := ProjectResult{ProjectKey: projectKey}

	jql := "project = " + projectKey
	if timeCondition != "" {
		jql += " AND (" + timeCondition + ")"
	}
	params := jira.SearchParams{JQL: jql, MaxResults: pageSize}
	if fields := s.requestedFields(); fields != nil {
		params.Fields = fields
	}

	for startAt := 0; ; startAt += pageSize {
		params.StartAt = startAt
		page, err := client.SearchIssues(ctx, params)
		if err != nil {
			msg := fmt.Sprintf("sync error for project %s: %v", projectKey, err)
			result.addError(msg)
			stats.ErrorCount++
			logger.Warn("project sync failed", "project", projectKey, "err", err)
			return stats
		}

		for _, issue := range page.Issues {
			if _, known := existingKeys[issue.Key]; known {
				stats.UpdatedCount++
				result.UpdatedIssues++
			} else {
				stats.NewCount++
				result.NewIssues++
			}
		}
		stats.SyncedCount += len(page.Issues)
		result.SyncedIssues += len(page.Issues)

		if len(page.Issues) < pageSize || startAt+len(page.Issues) >= page.Total {
			return stats
		}
	}
}

// requestedFields trims the default field set by the configured
// exclusions. Nil means the remote default.
func (s *Service) requestedFields() []string {
	excluded := s.Config().ExcludedFields
	if len(excluded) == 0 {
		return nil
	}
	defaults := []string{"key", "summary", "status", "priority", "issuetype", "reporter", "created", "updated"}
	fields := make([]string, 0, len(defaults))
	for _, f := range defaults {
		skip := false
		for _, e := range excluded {
			if f == e {
				skip = true
				break
			}
		}
		if !skip {
			fields = append(fields, f)
		}
	}
	return fields
}

// Stats summarizes the retained run history.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ServiceStats{TotalSyncs: len(s.history)}
	var total time.Duration
	for _, r := range s.history {
		if r.IsSuccess {
			stats.SuccessfulSyncs++
		}
		stats.TotalIssuesSynced += r.SyncedIssues
		total += r.EndTime.Sub(r.StartTime)
	}
	if len(s.history) > 0 {
		stats.AverageDuration = total / time.Duration(len(s.history))
		end := s.history[len(s.history)-1].EndTime
		stats.LastSyncTime = &end
	}
	stats.LastSuccessfulSync = s.lastSuccess
	return stats
}

// Deduplicate keeps the first occurrence of each issue key, preserving
// order.
func Deduplicate(issues []jira.Issue) []jira.Issue {
	seen := make(map[string]struct{}, len(issues))
	out := make([]jira.Issue, 0, len(issues))
	for _, issue := range issues {
		if _, dup := seen[issue.Key]; dup {
			continue
		}
		seen[issue.Key] = struct{}{}
		out = append(out, issue)
	}
	return out
}

func issueKeys(issues []jira.Issue) []string {
	keys := make([]string, 0, len(issues))
	for _, issue := range issues {
		keys = append(keys, issue.Key)
	}
	return keys
}
