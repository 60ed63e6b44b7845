// Package config loads the TOML application configuration and constructs
// the configured storage backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/hylla/spegel/store"
	"github.com/hylla/spegel/store/jsonstore"
	"github.com/hylla/spegel/store/sqlitestore"
	syncsvc "github.com/hylla/spegel/sync"
)

// Backend selects a storage implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendJSON   Backend = "json"
)

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Tracker TrackerConfig `toml:"jira"`
	Sync    SyncConfig    `toml:"sync"`
}

type StorageConfig struct {
	Backend Backend `toml:"backend"`
	// Path is the database file for the sqlite backend or the data
	// directory for the json backend.
	Path     string `toml:"path"`
	Compress bool   `toml:"compress"`
}

type TrackerConfig struct {
	BaseURL     string `toml:"base_url"`
	Email       string `toml:"email"`
	APIToken    string `toml:"api_token"`
	BearerToken string `toml:"bearer_token"`
}

type SyncConfig struct {
	IntervalMinutes int      `toml:"interval_minutes"`
	MaxHistory      int      `toml:"max_history"`
	Concurrency     int      `toml:"concurrency"`
	Projects        []string `toml:"projects"`
	ExcludedFields  []string `toml:"excluded_fields"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:  BackendSQLite,
			Path:     "./data/spegel.db",
			Compress: true,
		},
		Sync: SyncConfig{
			IntervalMinutes: 60,
			MaxHistory:      100,
			Concurrency:     3,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file or an
// empty path yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendJSON:
	default:
		return fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Sync.IntervalMinutes < 0 {
		return errors.New("sync.interval_minutes must be >= 0")
	}
	if c.Sync.MaxHistory < 0 {
		return errors.New("sync.max_history must be >= 0")
	}
	return nil
}

// OpenStore constructs the configured storage backend.
func (c Config) OpenStore() (store.Store, error) {
	switch c.Storage.Backend {
	case BackendJSON:
		return jsonstore.Open(c.Storage.Path, jsonstore.WithCompression(c.Storage.Compress))
	default:
		return sqlitestore.Open(c.Storage.Path)
	}
}

// SyncServiceConfig maps the file settings onto the sync service config.
func (c Config) SyncServiceConfig() syncsvc.Config {
	cfg := syncsvc.DefaultConfig()
	if c.Sync.IntervalMinutes > 0 {
		cfg.IntervalMinutes = c.Sync.IntervalMinutes
	}
	if c.Sync.MaxHistory > 0 {
		cfg.MaxHistoryCount = c.Sync.MaxHistory
	}
	if c.Sync.Concurrency > 0 {
		cfg.ConcurrentProjects = c.Sync.Concurrency
	}
	cfg.Projects = c.Sync.Projects
	cfg.ExcludedFields = c.Sync.ExcludedFields
	return cfg
}
