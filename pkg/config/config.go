// Package config loads the index configuration from YAML and projects it
// onto the option structs of the individual components.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-eventindex/pkg/committer"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
	"github.com/dd0wney/cluso-eventindex/pkg/streamfilter"
	"github.com/dd0wney/cluso-eventindex/pkg/tableindex"
	"github.com/dd0wney/cluso-eventindex/pkg/validation"
)

// Environment variables that override values from the file.
const (
	EnvIndexDir    = "INDEX_DIR"
	EnvLogPath     = "INDEX_LOG_PATH"
	EnvSkipVerify  = "INDEX_SKIP_VERIFY"
	EnvBloomFilter = "INDEX_BLOOM_FILTER"
	EnvLogLevel    = "LOG_LEVEL"
)

// Config is the on-disk configuration of an index.
type Config struct {
	// IndexDir holds PTables, the manifest and the stream filter.
	IndexDir string `yaml:"index_dir" validate:"required"`
	// LogPath is the transaction log the index is built from.
	LogPath string `yaml:"log_path" validate:"required"`

	PTableVersion   int  `yaml:"ptable_version" validate:"min=2,max=4"`
	MidpointDepth   int  `yaml:"midpoint_depth" validate:"min=0,max=28"`
	SkipIndexVerify bool `yaml:"skip_index_verify"`
	UseBloomFilter  bool `yaml:"use_bloom_filter"`
	LRUCacheSize    int  `yaml:"lru_cache_size" validate:"min=0"`

	MaxMemTableEntries   int   `yaml:"max_memtable_entries" validate:"min=1"`
	MaxTablesBeforeMerge int   `yaml:"max_tables_before_merge" validate:"min=2"`
	MaxMidpointBytes     int64 `yaml:"max_midpoint_bytes" validate:"min=0"`

	AdditionalCommitChecks bool `yaml:"additional_commit_checks"`
	StreamCacheCapacity    int  `yaml:"stream_cache_capacity" validate:"min=1"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		PTableVersion:        int(ptable.LatestVersion),
		MidpointDepth:        ptable.DefaultDepth,
		UseBloomFilter:       true,
		LRUCacheSize:         1_000_000,
		MaxMemTableEntries:   1_000_000,
		MaxTablesBeforeMerge: 4,
		StreamCacheCapacity:  100_000,
		LogLevel:             "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup has the signature
// of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvIndexDir); ok && v != "" {
		c.IndexDir = v
	}
	if v, ok := lookup(EnvLogPath); ok && v != "" {
		c.LogPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	var errs []error
	parseBool := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}
	parseBool(EnvSkipVerify, &c.SkipIndexVerify)
	parseBool(EnvBloomFilter, &c.UseBloomFilter)
	return errors.Join(errs...)
}

// Validate checks field ranges.
func (c Config) Validate() error {
	return validation.Struct(&c)
}

// Level returns the configured log level.
func (c Config) Level() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// PTableOptions are the options every table of the index is opened with.
func (c Config) PTableOptions(logger logging.Logger) ptable.Options {
	return ptable.Options{
		Depth:            c.MidpointDepth,
		SkipVerify:       c.SkipIndexVerify,
		UseBloomFilter:   c.UseBloomFilter,
		LRUCacheSize:     c.LRUCacheSize,
		MaxMidpointBytes: c.MaxMidpointBytes,
		Logger:           logger,
	}
}

// TableIndexOptions configures the table index rooted at IndexDir.
func (c Config) TableIndexOptions(logger logging.Logger) tableindex.Options {
	opts := tableindex.DefaultOptions(c.IndexDir)
	opts.PTableVersion = byte(c.PTableVersion)
	opts.MaxMemTableEntries = c.MaxMemTableEntries
	opts.MaxTablesBeforeMerge = c.MaxTablesBeforeMerge
	opts.Table = c.PTableOptions(logger)
	opts.Logger = logger
	return opts
}

// StreamFilterOptions keeps the stream existence filter next to the tables.
func (c Config) StreamFilterOptions(logger logging.Logger) streamfilter.Options {
	opts := streamfilter.DefaultOptions(filepath.Join(c.IndexDir, "stream-existence"))
	opts.Logger = logger
	return opts
}

// CommitterOptions returns the configured committer settings. The caller
// supplies the collaborators.
func (c Config) CommitterOptions(logger logging.Logger) committer.Options {
	return committer.Options{
		AdditionalCommitChecks: c.AdditionalCommitChecks,
		Logger:                 logger,
	}
}
