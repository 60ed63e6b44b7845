// Package jsonstore implements the document backend: one JSON array per
// collection under a data directory, optionally gzip-compressed. Saves
// replace the whole collection; filtering happens in memory.
package jsonstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/hylla/spegel/jira"
	"github.com/hylla/spegel/store"
)

// Store is a document-oriented backend rooted at a data directory.
// All methods are safe for concurrent use; a single mutex serializes
// operations so callers see each call as atomic.
type Store struct {
	dir      string
	compress bool

	mu         sync.Mutex
	statsCache *store.StorageStats
}

// Option configures a Store.
type Option func(*Store)

// WithCompression toggles gzip compression of the stored documents.
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// Open prepares a document store rooted at dir, creating the collection
// directories if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, compress: true}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"issues", "filters", "history", "metadata"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", sub, err)
		}
	}
	return s, nil
}

// Close implements store.Store. The document store holds no open handles.
func (s *Store) Close() error { return nil }

// SupportsIncrementalSave reports false: SaveIssues replaces the whole
// collection with the given batch.
func (s *Store) SupportsIncrementalSave() bool { return false }

func (s *Store) collectionPath(sub, name string) string {
	if s.compress {
		return filepath.Join(s.dir, sub, name+".json.gz")
	}
	return filepath.Join(s.dir, sub, name+".json")
}

func (s *Store) issuesPath() string   { return s.collectionPath("issues", "issues") }
func (s *Store) filtersPath() string  { return s.collectionPath("filters", "filter_config") }
func (s *Store) historyPath() string  { return s.collectionPath("history", "history") }
func (s *Store) metadataPath() string { return s.collectionPath("metadata", "metadata") }

// writeDocument serializes v and atomically replaces the file at path.
func (s *Store) writeDocument(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", store.ErrSerialization, filepath.Base(path), err)
	}
	if s.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
		}
		data = buf.Bytes()
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readDocument deserializes the file at path into v. Missing files are
// reported via os.IsNotExist on the returned error.
func (s *Store) readDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if s.compress {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
		}
		defer zr.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(zr); err != nil {
			return fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
		}
		data = buf.Bytes()
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", store.ErrSerialization, filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readIssues() ([]jira.Issue, error) {
	var issues []jira.Issue
	if err := s.readDocument(s.issuesPath(), &issues); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return issues, nil
}

// SaveIssues replaces the issues collection with the given batch and
// refreshes the metadata cache. The count returned is the batch size.
func (s *Store) SaveIssues(ctx context.Context, issues []jira.Issue) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if issues == nil {
		issues = []jira.Issue{}
	}
	if err := s.writeDocument(s.issuesPath(), issues); err != nil {
		return 0, err
	}
	if err := s.refreshStatsLocked(issues); err != nil {
		return 0, err
	}
	return len(issues), nil
}

// LoadIssues returns issues matching the filter, applied in memory.
func (s *Store) LoadIssues(ctx context.Context, filter *store.IssueFilter) ([]jira.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	issues, err := s.readIssues()
	if err != nil {
		return nil, err
	}
	return filter.Apply(issues), nil
}

// CountIssues counts issues matching the filter.
func (s *Store) CountIssues(ctx context.Context, filter *store.IssueFilter) (int, error) {
	issues, err := s.LoadIssues(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(issues), nil
}

// DeleteIssues rewrites the collection without the given keys.
func (s *Store) DeleteIssues(ctx context.Context, issueKeys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	issues, err := s.readIssues()
	if err != nil {
		return 0, err
	}
	if issues == nil {
		return 0, nil
	}
	before := len(issues)
	kept := slices.DeleteFunc(issues, func(issue jira.Issue) bool {
		return slices.Contains(issueKeys, issue.Key)
	})
	deleted := before - len(kept)
	if deleted > 0 {
		if err := s.writeDocument(s.issuesPath(), kept); err != nil {
			return 0, err
		}
		if err := s.refreshStatsLocked(kept); err != nil {
			return 0, err
		}
	}
	return deleted, nil
}

// SaveFilterConfig replaces the stored filter configuration.
func (s *Store) SaveFilterConfig(ctx context.Context, cfg store.FilterConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(s.filtersPath(), cfg)
}

// LoadFilterConfig returns the stored filter configuration, or nil when
// none has been saved.
func (s *Store) LoadFilterConfig(ctx context.Context) (*store.FilterConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg store.FilterConfig
	if err := s.readDocument(s.filtersPath(), &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveHistory replaces the history collection with the given records.
func (s *Store) SaveHistory(ctx context.Context, histories []store.IssueHistory) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if histories == nil {
		histories = []store.IssueHistory{}
	}
	if err := s.writeDocument(s.historyPath(), histories); err != nil {
		return 0, err
	}
	return len(histories), nil
}

// LoadHistory returns history records matching the filter.
func (s *Store) LoadHistory(ctx context.Context, filter *store.HistoryFilter) ([]store.IssueHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	return filter.Apply(histories), nil
}

// HistoryStats aggregates over the whole history collection.
func (s *Store) HistoryStats(ctx context.Context) (store.HistoryStats, error) {
	if err := ctx.Err(); err != nil {
		return store.HistoryStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.readHistory()
	if err != nil {
		return store.HistoryStats{}, err
	}
	return store.CollectHistoryStats(histories), nil
}

// DeleteHistory removes every history record for the given issue keys.
func (s *Store) DeleteHistory(ctx context.Context, issueKeys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.readHistory()
	if err != nil {
		return 0, err
	}
	if histories == nil {
		return 0, nil
	}
	before := len(histories)
	kept := slices.DeleteFunc(histories, func(h store.IssueHistory) bool {
		return slices.Contains(issueKeys, h.IssueKey)
	})
	if err := s.writeDocument(s.historyPath(), kept); err != nil {
		return 0, err
	}
	return before - len(kept), nil
}

func (s *Store) readHistory() ([]store.IssueHistory, error) {
	var histories []store.IssueHistory
	if err := s.readDocument(s.historyPath(), &histories); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return histories, nil
}

// Stats returns the cached aggregates, recomputing them from the full
// collection when no save has populated the cache yet.
func (s *Store) Stats(ctx context.Context) (store.StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return store.StorageStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statsCache != nil {
		return *s.statsCache, nil
	}
	issues, err := s.readIssues()
	if err != nil {
		return store.StorageStats{}, err
	}
	return s.computeStats(issues), nil
}

// Optimize recomputes and persists the metadata cache. There is nothing
// physical to compact.
func (s *Store) Optimize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	issues, err := s.readIssues()
	if err != nil {
		return err
	}
	if issues == nil {
		return nil
	}
	return s.refreshStatsLocked(issues)
}

func (s *Store) computeStats(issues []jira.Issue) store.StorageStats {
	stats := store.CollectStorageStats(issues)
	if s.compress {
		stats.CompressionRatio = 0.7
	} else {
		stats.CompressionRatio = 1.0
	}
	if info, err := os.Stat(s.issuesPath()); err == nil {
		stats.StorageSizeBytes = info.Size()
	}
	stats.LastUpdated = time.Now().UTC()
	return stats
}

func (s *Store) refreshStatsLocked(issues []jira.Issue) error {
	stats := s.computeStats(issues)
	s.statsCache = &stats
	return s.writeDocument(s.metadataPath(), stats)
}
