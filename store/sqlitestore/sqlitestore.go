// Package sqlitestore implements the analytical backend on an embedded
// SQLite database. Issues are upserted by id with a denormalized raw JSON
// column next to indexed scalar columns; history rows are append-only.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hylla/spegel/jira"
	"github.com/hylla/spegel/store"
)

// driverName matches the modernc sqlite registration.
const driverName = "sqlite"

// Store is a SQL-backed analytical store. A mutex serializes operations;
// the embedded engine is effectively single-writer and callers see each
// call as atomic. Cross-call sequences are not transactionally isolated.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) a database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a shared in-memory database, useful for tests.
func OpenInMemory() (*Store, error) {
	return Open("file::memory:?cache=shared")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SupportsIncrementalSave reports true: SaveIssues merges into existing
// rows by issue id.
func (s *Store) SupportsIncrementalSave() bool { return true }

// migrate applies the idempotent schema.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			issue_key TEXT UNIQUE NOT NULL,
			summary TEXT NOT NULL,
			description TEXT,
			status_name TEXT NOT NULL,
			priority_name TEXT,
			issue_type_name TEXT NOT NULL,
			project_key TEXT,
			project_name TEXT,
			reporter_display_name TEXT NOT NULL,
			assignee_display_name TEXT,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			raw_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS filter_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			filter_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS issue_history (
			history_id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_id TEXT NOT NULL,
			issue_key TEXT NOT NULL,
			change_id TEXT NOT NULL,
			change_timestamp TEXT NOT NULL,
			author_account_id TEXT,
			author_display_name TEXT,
			author_email TEXT,
			field_name TEXT NOT NULL,
			field_id TEXT,
			from_value TEXT,
			to_value TEXT,
			from_display_value TEXT,
			to_display_value TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_project_key ON issues(project_key)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_status_name ON issues(status_name)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_created ON issues(created)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_updated ON issues(updated)`,
		`CREATE INDEX IF NOT EXISTS idx_history_issue_key ON issue_history(issue_key)`,
		`CREATE INDEX IF NOT EXISTS idx_history_change_timestamp ON issue_history(change_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_history_field_name ON issue_history(field_name)`,
		`CREATE INDEX IF NOT EXISTS idx_history_author ON issue_history(author_account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_composite ON issue_history(issue_key, change_timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveIssues upserts the batch by issue id inside one transaction. Issues
// whose raw JSON cannot be produced are skipped; the returned count is the
// number of rows actually written.
func (s *Store) SaveIssues(ctx context.Context, issues []jira.Issue) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save issues: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	saved := 0
	for _, issue := range issues {
		rawJSON, marshalErr := json.Marshal(issue)
		if marshalErr != nil {
			continue
		}
		var description any
		if issue.Fields.Description != nil {
			description = issue.Fields.DescriptionText()
		}
		var priority, projectKey, projectName, assignee any
		if issue.Fields.Priority != nil {
			priority = issue.Fields.Priority.Name
		}
		if issue.Fields.Project != nil {
			projectKey = issue.Fields.Project.Key
			projectName = issue.Fields.Project.Name
		}
		if issue.Fields.Assignee != nil {
			assignee = issue.Fields.Assignee.DisplayName
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issues
				(id, issue_key, summary, description, status_name, priority_name,
				 issue_type_name, project_key, project_name, reporter_display_name,
				 assignee_display_name, created, updated, raw_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				issue_key = excluded.issue_key,
				summary = excluded.summary,
				description = excluded.description,
				status_name = excluded.status_name,
				priority_name = excluded.priority_name,
				issue_type_name = excluded.issue_type_name,
				project_key = excluded.project_key,
				project_name = excluded.project_name,
				reporter_display_name = excluded.reporter_display_name,
				assignee_display_name = excluded.assignee_display_name,
				created = excluded.created,
				updated = excluded.updated,
				raw_json = excluded.raw_json
		`,
			issue.ID,
			issue.Key,
			issue.Fields.Summary,
			description,
			issue.Fields.Status.Name,
			priority,
			issue.Fields.IssueType.Name,
			projectKey,
			projectName,
			issue.Fields.Reporter.DisplayName,
			assignee,
			ts(issue.Fields.Created),
			ts(issue.Fields.Updated),
			string(rawJSON),
		)
		if err != nil {
			return 0, fmt.Errorf("upsert issue %s: %w", issue.Key, err)
		}
		saved++
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save issues: %w", err)
	}
	return saved, nil
}

// LoadIssues compiles the filter into WHERE/ORDER BY/LIMIT clauses and
// rehydrates issues from the raw JSON column. Sort ties fall back to row
// order.
func (s *Store) LoadIssues(ctx context.Context, filter *store.IssueFilter) ([]jira.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildIssueWhere(filter)
	query := "SELECT raw_json FROM issues" + where + issueOrderClause(filter) + pagingClause(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	issues := make([]jira.Issue, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan issue row: %w", err)
		}
		var issue jira.Issue
		if err := json.Unmarshal([]byte(raw), &issue); err != nil {
			return nil, fmt.Errorf("%w: decode issues.raw_json: %v", store.ErrSerialization, err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// CountIssues runs the same WHERE clause through COUNT(*).
func (s *Store) CountIssues(ctx context.Context, filter *store.IssueFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildIssueWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return count, nil
}

// DeleteIssues removes rows by issue key.
func (s *Store) DeleteIssues(ctx context.Context, issueKeys []string) (int, error) {
	if len(issueKeys) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM issues WHERE issue_key IN ("+placeholders(len(issueKeys))+")",
		stringArgs(issueKeys)...)
	if err != nil {
		return 0, fmt.Errorf("delete issues: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// SaveFilterConfig upserts the saved filter by id.
func (s *Store) SaveFilterConfig(ctx context.Context, cfg store.FilterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filterJSON, err := json.Marshal(cfg.Filter)
	if err != nil {
		return fmt.Errorf("%w: encode filter config: %v", store.ErrSerialization, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filter_configs
			(id, name, description, filter_json, created_at, updated_at, usage_count, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			filter_json = excluded.filter_json,
			updated_at = excluded.updated_at,
			usage_count = excluded.usage_count,
			last_used_at = excluded.last_used_at
	`,
		cfg.ID,
		cfg.Name,
		nullableString(cfg.Description),
		string(filterJSON),
		ts(cfg.CreatedAt),
		ts(cfg.UpdatedAt),
		cfg.UsageCount,
		nullableTS(cfg.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("save filter config: %w", err)
	}
	return nil
}

// LoadFilterConfig returns the most recently updated saved filter. Several
// configs may be stored; only the newest wins.
func (s *Store) LoadFilterConfig(ctx context.Context) (*store.FilterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, filter_json, created_at, updated_at, usage_count, last_used_at
		FROM filter_configs ORDER BY updated_at DESC LIMIT 1
	`)
	var (
		cfg        store.FilterConfig
		desc       sql.NullString
		filterJSON string
		createdRaw string
		updatedRaw string
		lastUsed   sql.NullString
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &desc, &filterJSON, &createdRaw, &updatedRaw, &cfg.UsageCount, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load filter config: %w", err)
	}
	cfg.Description = desc.String
	if err := json.Unmarshal([]byte(filterJSON), &cfg.Filter); err != nil {
		return nil, fmt.Errorf("%w: decode filter_configs.filter_json: %v", store.ErrSerialization, err)
	}
	cfg.CreatedAt = parseTS(createdRaw)
	cfg.UpdatedAt = parseTS(updatedRaw)
	cfg.LastUsedAt = parseNullTS(lastUsed)
	return &cfg, nil
}

// SaveHistory appends the records inside one transaction. No deduplication
// happens here; feeding the same changelog twice doubles the rows.
func (s *Store) SaveHistory(ctx context.Context, histories []store.IssueHistory) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save history: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, h := range histories {
		var accountID, displayName, email any
		if h.Author != nil {
			accountID = h.Author.AccountID
			displayName = h.Author.DisplayName
			email = nullableString(h.Author.EmailAddress)
		}
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issue_history
				(issue_id, issue_key, change_id, change_timestamp,
				 author_account_id, author_display_name, author_email,
				 field_name, field_id, from_value, to_value,
				 from_display_value, to_display_value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			h.IssueID,
			h.IssueKey,
			h.ChangeID,
			ts(h.ChangeTimestamp),
			accountID,
			displayName,
			email,
			h.FieldName,
			nullableString(h.FieldID),
			nullableString(h.FromValue),
			nullableString(h.ToValue),
			nullableString(h.FromDisplay),
			nullableString(h.ToDisplay),
			ts(createdAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert history for %s: %w", h.IssueKey, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save history: %w", err)
	}
	return len(histories), nil
}

// LoadHistory compiles the filter into SQL and scans the matching rows.
func (s *Store) LoadHistory(ctx context.Context, filter *store.HistoryFilter) ([]store.IssueHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildHistoryWhere(filter)
	query := `
		SELECT history_id, issue_id, issue_key, change_id, change_timestamp,
		       author_account_id, author_display_name, author_email,
		       field_name, field_id, from_value, to_value,
		       from_display_value, to_display_value, created_at
		FROM issue_history` + where + historyOrderClause(filter)
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := make([]store.IssueHistory, 0)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistoryStats aggregates over every stored history row.
func (s *Store) HistoryStats(ctx context.Context) (store.HistoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.HistoryStats{FieldChangeCounts: map[string]int{}}
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issue_history").Scan(&stats.TotalChanges)
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT issue_key) FROM issue_history").Scan(&stats.UniqueIssues)
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT author_account_id) FROM issue_history WHERE author_account_id IS NOT NULL").
		Scan(&stats.UniqueAuthors)
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT field_name, COUNT(*) FROM issue_history GROUP BY field_name")
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var field string
		var count int
		if err := rows.Scan(&field, &count); err != nil {
			return stats, fmt.Errorf("scan history stats row: %w", err)
		}
		stats.FieldChangeCounts[field] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT MIN(change_timestamp), MAX(change_timestamp) FROM issue_history").
		Scan(&oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}
	stats.OldestChange = parseNullTS(oldest)
	stats.NewestChange = parseNullTS(newest)
	return stats, nil
}

// DeleteHistory removes every history row for the given issue keys.
func (s *Store) DeleteHistory(ctx context.Context, issueKeys []string) (int, error) {
	if len(issueKeys) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM issue_history WHERE issue_key IN ("+placeholders(len(issueKeys))+")",
		stringArgs(issueKeys)...)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Stats reports aggregates computed with GROUP BY queries.
func (s *Store) Stats(ctx context.Context) (store.StorageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.NewStorageStats()
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues").Scan(&stats.TotalIssues); err != nil {
		return stats, fmt.Errorf("storage stats: %w", err)
	}

	group := func(query string, dst map[string]int) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("storage stats: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				return fmt.Errorf("scan storage stats row: %w", err)
			}
			dst[key] = count
		}
		return rows.Err()
	}
	if err := group("SELECT project_key, COUNT(*) FROM issues WHERE project_key IS NOT NULL GROUP BY project_key", stats.IssuesByProject); err != nil {
		return stats, err
	}
	if err := group("SELECT status_name, COUNT(*) FROM issues GROUP BY status_name", stats.IssuesByStatus); err != nil {
		return stats, err
	}
	if err := group("SELECT issue_type_name, COUNT(*) FROM issues GROUP BY issue_type_name", stats.IssuesByType); err != nil {
		return stats, err
	}
	stats.IndexCount = 9
	stats.LastUpdated = time.Now().UTC()
	return stats, nil
}

// Optimize reclaims space and refreshes the query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}
