package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func expectErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Errorf("Expected error containing %q, got nil", substr)
		return
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("Expected error containing %q, got %v", substr, err)
	}
}

// TestLoad_FileOverDefaults tests that file values override defaults
func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
index_dir: /data/index
log_path: /data/tlog
ptable_version: 3
max_tables_before_merge: 8
additional_commit_checks: true
`)
	for _, k := range []string{EnvIndexDir, EnvLogPath, EnvSkipVerify, EnvBloomFilter, EnvLogLevel} {
		t.Setenv(k, "")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.IndexDir != "/data/index" {
		t.Errorf("Expected IndexDir /data/index, got %s", cfg.IndexDir)
	}
	if cfg.PTableVersion != 3 {
		t.Errorf("Expected PTableVersion 3, got %d", cfg.PTableVersion)
	}
	if cfg.MaxTablesBeforeMerge != 8 {
		t.Errorf("Expected MaxTablesBeforeMerge 8, got %d", cfg.MaxTablesBeforeMerge)
	}
	if !cfg.AdditionalCommitChecks {
		t.Error("Expected AdditionalCommitChecks to be set")
	}
	if cfg.MaxMemTableEntries != Default().MaxMemTableEntries {
		t.Errorf("Expected default MaxMemTableEntries, got %d", cfg.MaxMemTableEntries)
	}
	if !cfg.UseBloomFilter {
		t.Error("Expected UseBloomFilter default to survive")
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	expectErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "index_dir: [unterminated"))
	expectErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "index_dir: /a\nlog_path: /b\nptable_version: 1\n"))
	expectErrorContains(t, err, "PTableVersion")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envOf(map[string]string{
		EnvIndexDir:    "/env/index",
		EnvLogPath:     "/env/tlog",
		EnvSkipVerify:  "true",
		EnvBloomFilter: "0",
		EnvLogLevel:    "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.IndexDir != "/env/index" || cfg.LogPath != "/env/tlog" {
		t.Errorf("Expected paths from env, got %s and %s", cfg.IndexDir, cfg.LogPath)
	}
	if !cfg.SkipIndexVerify {
		t.Error("Expected SkipIndexVerify from env")
	}
	if cfg.UseBloomFilter {
		t.Error("Expected UseBloomFilter disabled from env")
	}
	if cfg.Level() != logging.DebugLevel {
		t.Errorf("Expected DebugLevel, got %v", cfg.Level())
	}
}

func TestApplyEnv_InvalidBool(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envOf(map[string]string{EnvSkipVerify: "maybe"}))
	expectErrorContains(t, err, EnvSkipVerify)
	if cfg.SkipIndexVerify {
		t.Error("Invalid value should leave SkipIndexVerify unset")
	}
}

// TestValidate tests each rejected field in turn
func TestValidate(t *testing.T) {
	valid := Default()
	valid.IndexDir, valid.LogPath = "/i", "/l"
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing index dir", func(c *Config) { c.IndexDir = "" }, "IndexDir"},
		{"missing log path", func(c *Config) { c.LogPath = "" }, "LogPath"},
		{"version too new", func(c *Config) { c.PTableVersion = 5 }, "PTableVersion"},
		{"depth too large", func(c *Config) { c.MidpointDepth = 29 }, "MidpointDepth"},
		{"single table merge", func(c *Config) { c.MaxTablesBeforeMerge = 1 }, "MaxTablesBeforeMerge"},
		{"empty memtable", func(c *Config) { c.MaxMemTableEntries = 0 }, "MaxMemTableEntries"},
		{"negative midpoint budget", func(c *Config) { c.MaxMidpointBytes = -1 }, "MaxMidpointBytes"},
		{"unknown level", func(c *Config) { c.LogLevel = "trace" }, "LogLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			expectErrorContains(t, cfg.Validate(), tt.field)
		})
	}
}

func TestProjections(t *testing.T) {
	cfg := Default()
	cfg.IndexDir, cfg.LogPath = "/data/index", "/data/tlog"
	cfg.PTableVersion = 2
	cfg.MidpointDepth = 10
	cfg.SkipIndexVerify = true
	cfg.MaxMidpointBytes = 4096
	cfg.AdditionalCommitChecks = true
	logger := logging.NewNopLogger()

	table := cfg.PTableOptions(logger)
	if table.Depth != 10 || !table.SkipVerify || table.MaxMidpointBytes != 4096 {
		t.Errorf("Unexpected table options: %+v", table)
	}

	ti := cfg.TableIndexOptions(logger)
	if ti.Dir != "/data/index" {
		t.Errorf("Expected Dir /data/index, got %s", ti.Dir)
	}
	if ti.PTableVersion != 2 {
		t.Errorf("Expected PTableVersion 2, got %d", ti.PTableVersion)
	}
	if !reflect.DeepEqual(ti.Table, table) {
		t.Errorf("Expected table options %+v, got %+v", table, ti.Table)
	}
	if err := ti.Validate(); err != nil {
		t.Errorf("Expected valid table index options, got %v", err)
	}

	sf := cfg.StreamFilterOptions(logger)
	if want := filepath.Join("/data/index", "stream-existence"); sf.Dir != want {
		t.Errorf("Expected stream filter dir %s, got %s", want, sf.Dir)
	}
	if err := sf.Validate(); err != nil {
		t.Errorf("Expected valid stream filter options, got %v", err)
	}

	if !cfg.CommitterOptions(logger).AdditionalCommitChecks {
		t.Error("Expected AdditionalCommitChecks to carry through")
	}
}
