// Command spegel mirrors issues from a JIRA-compatible tracker into local
// storage and answers questions about what it holds.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/fang"
	charmLog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hylla/spegel/changelog"
	"github.com/hylla/spegel/config"
	"github.com/hylla/spegel/internal/platform"
	"github.com/hylla/spegel/jira"
	"github.com/hylla/spegel/store"
	syncsvc "github.com/hylla/spegel/sync"
)

var version = "dev"

func main() {
	if err := fang.Execute(context.Background(), newRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "spegel",
		Short:         "Mirror tracker issues into local storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config TOML")
	root.AddCommand(newSyncCmd(&configPath))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newQueryCmd(&configPath))
	return root
}

func newLogger() *charmLog.Logger {
	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		ReportTimestamp: true,
		Prefix:          "spegel",
	})
}

func openStore(configPath string) (config.Config, store.Store, error) {
	if configPath == "" {
		if paths, err := platform.DefaultPaths(); err == nil {
			configPath = paths.ConfigPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	st, err := cfg.OpenStore()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, st, nil
}

// newSyncCmd runs one sync pass and persists what it fetched.
func newSyncCmd(configPath *string) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the configured tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Tracker.BaseURL == "" {
				return fmt.Errorf("jira.base_url is required for sync")
			}
			var opts []jira.ClientOption
			if cfg.Tracker.BearerToken != "" {
				opts = append(opts, jira.WithBearerToken(cfg.Tracker.BearerToken))
			} else {
				opts = append(opts, jira.WithBasicAuth(cfg.Tracker.Email, cfg.Tracker.APIToken))
			}
			opts = append(opts, jira.WithLogger(logger))
			client, err := jira.NewClient(cfg.Tracker.BaseURL, opts...)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			existing, err := store.LoadAllIssues(ctx, st)
			if err != nil {
				return err
			}

			service := syncsvc.NewService(cfg.SyncServiceConfig())
			service.SetLogger(logger)

			var result *syncsvc.Result
			if full {
				result, err = service.SyncFull(ctx, client)
			} else {
				result, err = service.SyncIncremental(ctx, client, existing)
			}
			if err != nil {
				return err
			}

			// Persist the fetched window per project and record changelogs.
			if err := persistWindow(ctx, st, client, cfg, result, logger); err != nil {
				return err
			}

			logger.Info("done",
				"state", service.State(),
				"synced", result.SyncedIssues,
				"new", result.NewIssues,
				"updated", result.UpdatedIssues,
				"duration", result.Duration())
			if !result.IsSuccess {
				return fmt.Errorf("sync finished with %d errors", result.ErrorCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "ignore the incremental window")
	return cmd
}

// persistWindow refetches the synced window issue data with changelogs and
// writes issues plus parsed history into the store.
func persistWindow(ctx context.Context, st store.Store, client *jira.Client, cfg config.Config, result *syncsvc.Result, logger *charmLog.Logger) error {
	var fetched []jira.Issue
	for projectKey := range result.ProjectResults {
		since := result.StartTime.Add(-24 * time.Hour)
		jql := fmt.Sprintf("project = %s AND updated >= '%s'", projectKey, syncsvc.FormatJQLTime(since))
		for startAt := 0; ; {
			page, err := client.SearchIssues(ctx, jira.SearchParams{
				JQL:        jql,
				StartAt:    startAt,
				MaxResults: 100,
				Expand:     []string{"changelog"},
			})
			if err != nil {
				logger.Warn("fetch for persistence failed", "project", projectKey, "err", err)
				break
			}
			fetched = append(fetched, page.Issues...)
			startAt += len(page.Issues)
			if len(page.Issues) == 0 || startAt >= page.Total {
				break
			}
		}
	}
	if len(fetched) == 0 {
		return nil
	}

	fetched = syncsvc.Deduplicate(fetched)
	if !st.SupportsIncrementalSave() {
		// The document backend replaces the whole collection; merge first.
		existing, err := store.LoadAllIssues(ctx, st)
		if err != nil {
			return err
		}
		fetched = syncsvc.Deduplicate(append(fetched, existing...))
	}
	saved, err := st.SaveIssues(ctx, fetched)
	if err != nil {
		return err
	}

	var histories []store.IssueHistory
	for _, issue := range fetched {
		records, err := changelog.FromIssue(issue)
		if err != nil {
			logger.Warn("changelog parse failed", "issue", issue.Key, "err", err)
			continue
		}
		histories = append(histories, records...)
	}
	if len(histories) > 0 {
		if _, err := st.SaveHistory(ctx, histories); err != nil {
			return err
		}
	}
	logger.Info("persisted", "issues", saved, "history_records", len(histories))
	return nil
}

// newStatsCmd prints storage and history aggregates.
func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage and history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			historyStats, err := st.HistoryStats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "issues: %d\n", stats.TotalIssues)
			for project, count := range stats.IssuesByProject {
				fmt.Fprintf(out, "  %s: %d\n", project, count)
			}
			fmt.Fprintf(out, "history records: %d across %d issues by %d authors\n",
				historyStats.TotalChanges, historyStats.UniqueIssues, historyStats.UniqueAuthors)
			return nil
		},
	}
}

// newQueryCmd lists stored issues matching filter flags.
func newQueryCmd(configPath *string) *cobra.Command {
	var (
		projects []string
		statuses []string
		summary  string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List stored issues matching the given filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := &store.IssueFilter{
				Projects:        projects,
				Statuses:        statuses,
				SummaryContains: summary,
				Limit:           limit,
			}
			issues, err := st.LoadIssues(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, issue := range issues {
				status := issue.Fields.Status.Name
				fmt.Fprintf(out, "%-12s %-14s %s\n", issue.Key, status, strings.TrimSpace(issue.Fields.Summary))
			}
			fmt.Fprintf(out, "%d issue(s)\n", len(issues))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&projects, "project", nil, "project key filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter")
	cmd.Flags().StringVar(&summary, "summary", "", "summary substring filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum issues to list")
	return cmd
}
