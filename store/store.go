// Package store defines the query model and the persistence surface shared
// by the document and SQL backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/spegel/jira"
)

// ErrInvalidFilter and related sentinels classify storage failures.
var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNotFound      = errors.New("not found")
	ErrSerialization = errors.New("serialization error")
)

// Store is the persistence surface consumed by the sync service and by
// callers. Both backends satisfy it, but their SaveIssues semantics differ:
// the document backend replaces the whole collection with the given batch,
// the SQL backend upserts by issue id and leaves other rows untouched.
// SupportsIncrementalSave makes that divergence explicit; callers that need
// merge semantics on the document backend must load, merge and save
// themselves.
type Store interface {
	// SaveIssues persists a batch and returns how many records were written.
	SaveIssues(ctx context.Context, issues []jira.Issue) (int, error)
	// LoadIssues returns issues matching the filter. A nil filter means all.
	LoadIssues(ctx context.Context, filter *IssueFilter) ([]jira.Issue, error)
	// CountIssues counts issues matching the filter without materializing them.
	CountIssues(ctx context.Context, filter *IssueFilter) (int, error)
	// DeleteIssues removes issues by key and returns how many were removed.
	DeleteIssues(ctx context.Context, issueKeys []string) (int, error)

	// SaveFilterConfig upserts a saved filter by id.
	SaveFilterConfig(ctx context.Context, cfg FilterConfig) error
	// LoadFilterConfig returns the most recently updated saved filter, or
	// nil when none exists.
	LoadFilterConfig(ctx context.Context) (*FilterConfig, error)

	// SaveHistory persists flattened changelog records. The SQL backend
	// appends without deduplication; callers guard against reprocessing.
	SaveHistory(ctx context.Context, histories []IssueHistory) (int, error)
	// LoadHistory returns history records matching the filter.
	LoadHistory(ctx context.Context, filter *HistoryFilter) ([]IssueHistory, error)
	// HistoryStats aggregates over all stored history records.
	HistoryStats(ctx context.Context) (HistoryStats, error)
	// DeleteHistory removes all history rows for the given issue keys.
	DeleteHistory(ctx context.Context, issueKeys []string) (int, error)

	// Stats reports storage-level aggregates.
	Stats(ctx context.Context) (StorageStats, error)
	// Optimize compacts or re-analyzes the backend, whatever that means for it.
	Optimize(ctx context.Context) error
	// SupportsIncrementalSave reports whether SaveIssues merges into existing
	// data (true) or replaces the whole collection (false).
	SupportsIncrementalSave() bool

	Close() error
}

// LoadAllIssues returns every stored issue in the default order.
func LoadAllIssues(ctx context.Context, s Store) ([]jira.Issue, error) {
	return s.LoadIssues(ctx, nil)
}

// StorageStats reports storage-level aggregates for a backend.
type StorageStats struct {
	TotalIssues      int            `json:"total_issues"`
	IssuesByProject  map[string]int `json:"issues_by_project"`
	IssuesByStatus   map[string]int `json:"issues_by_status"`
	IssuesByType     map[string]int `json:"issues_by_type"`
	StorageSizeBytes int64          `json:"storage_size_bytes"`
	LastUpdated      time.Time      `json:"last_updated"`
	IndexCount       int            `json:"index_count"`
	CompressionRatio float64        `json:"compression_ratio"`
}

// NewStorageStats returns empty stats stamped with the current time.
func NewStorageStats() StorageStats {
	return StorageStats{
		IssuesByProject: map[string]int{},
		IssuesByStatus:  map[string]int{},
		IssuesByType:    map[string]int{},
		LastUpdated:     time.Now().UTC(),
	}
}

// FilterConfig is a saved, named filter with usage bookkeeping.
type FilterConfig struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Filter      IssueFilter `json:"filter"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	UsageCount  int         `json:"usage_count"`
	LastUsedAt  *time.Time  `json:"last_used_at,omitempty"`
}

// NewFilterConfig builds a saved filter. An empty id gets a generated one.
func NewFilterConfig(id, name string, filter IssueFilter) FilterConfig {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return FilterConfig{
		ID:        id,
		Name:      name,
		Filter:    filter,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch records one use of the saved filter.
func (c *FilterConfig) Touch() {
	now := time.Now().UTC()
	c.UsageCount++
	c.LastUsedAt = &now
	c.UpdatedAt = now
}

// SetFilter replaces the filter and bumps the update timestamp.
func (c *FilterConfig) SetFilter(filter IssueFilter) {
	c.Filter = filter
	c.UpdatedAt = time.Now().UTC()
}

// CollectStorageStats computes issue aggregates from a full collection.
// The document backend uses it directly; the SQL backend aggregates in SQL.
func CollectStorageStats(issues []jira.Issue) StorageStats {
	stats := NewStorageStats()
	stats.TotalIssues = len(issues)
	for _, issue := range issues {
		if issue.Fields.Project != nil {
			stats.IssuesByProject[issue.Fields.Project.Key]++
		}
		stats.IssuesByStatus[issue.Fields.Status.Name]++
		stats.IssuesByType[issue.Fields.IssueType.Name]++
	}
	return stats
}
