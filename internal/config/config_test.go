package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dl-alexandre/docsync/internal/types"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("DOCSYNC_CONFIG_DIR", "/tmp/docsync-test")
	cfg := DefaultConfig()

	if cfg.DataDir != filepath.Join("/tmp/docsync-test", "data") {
		t.Errorf("Expected data dir under config dir, got '%s'", cfg.DataDir)
	}
	if cfg.DefaultOutputFormat != types.OutputFormatJSON {
		t.Errorf("Expected default output format 'json', got '%s'", cfg.DefaultOutputFormat)
	}
	if cfg.RefreshSchedule != "@every 15m" {
		t.Errorf("Expected refresh schedule '@every 15m', got '%s'", cfg.RefreshSchedule)
	}
	if cfg.ProgressThrottleMs != 250 {
		t.Errorf("Expected progress throttle 250, got %d", cfg.ProgressThrottleMs)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.LogLevel != "normal" {
		t.Errorf("Expected log level 'normal', got '%s'", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"valid default config", func(c *Config) {}, ""},
		{"invalid output format", func(c *Config) { c.DefaultOutputFormat = "xml" }, "invalid output format"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data directory"},
		{"bad schedule", func(c *Config) { c.RefreshSchedule = "every so often" }, "invalid refresh schedule"},
		{"cron schedule", func(c *Config) { c.RefreshSchedule = "*/5 * * * *" }, ""},
		{"negative throttle", func(c *Config) { c.ProgressThrottleMs = -1 }, "progress throttle"},
		{"zero list concurrency", func(c *Config) { c.ListConcurrency = 0 }, "list concurrency"},
		{"too many retries", func(c *Config) { c.MaxRetries = 11 }, "max retries"},
		{"short retry delay", func(c *Config) { c.RetryBaseDelay = 10 }, "retry base delay"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout"},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = t.TempDir()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCSYNC_CONFIG_DIR", dir)

	cfg, err := LoadFrom(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.MaxRetries != 3 || cfg.ProgressThrottleMs != 250 {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if !cfg.WatchLocalEdits {
		t.Error("Expected WatchLocalEdits default true")
	}
}

func TestLoadFrom_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCSYNC_CONFIG_DIR", dir)

	path := filepath.Join(dir, ConfigFileName)
	file := map[string]interface{}{
		"dataDir":        filepath.Join(dir, "offline"),
		"defaultAccount": "alice",
		"maxRetries":     5,
		"logLevel":       "verbose",
	}
	data, _ := json.Marshal(file)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DOCSYNC_MAX_RETRIES", "7")
	t.Setenv("DOCSYNC_COLOR_OUTPUT", "false")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "offline") {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.DefaultAccount != "alice" {
		t.Errorf("DefaultAccount = %s", cfg.DefaultAccount)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("Expected env to override file, MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.LogLevel != "verbose" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.ColorOutput {
		t.Error("Expected ColorOutput=false from env")
	}
}

func TestLoadFrom_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCSYNC_CONFIG_DIR", dir)
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"logLevel": "loud"}`), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("Expected validation error for invalid log level")
	}
}

func TestSaveTo_Permissions(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCSYNC_CONFIG_DIR", dir)
	path := filepath.Join(dir, "nested", ConfigFileName)

	cfg := DefaultConfig()
	cfg.DefaultAccount = "bob"
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if loaded.DefaultAccount != "bob" {
		t.Errorf("Expected saved account, got %s", loaded.DefaultAccount)
	}
}

func TestSet(t *testing.T) {
	t.Setenv("DOCSYNC_CONFIG_DIR", t.TempDir())

	tests := []struct {
		key, value string
		wantErr    bool
		check      func(c *Config) bool
	}{
		{"maxRetries", "5", false, func(c *Config) bool { return c.MaxRetries == 5 }},
		{"MAXRETRIES", "abc", true, nil},
		{"maxRetries", "42", true, nil},
		{"refreshSchedule", "@hourly", false, func(c *Config) bool { return c.RefreshSchedule == "@hourly" }},
		{"colorOutput", "off", false, func(c *Config) bool { return !c.ColorOutput }},
		{"defaultOutputFormat", "table", false, func(c *Config) bool { return c.DefaultOutputFormat == types.OutputFormatTable }},
		{"nope", "x", true, nil},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		before := *cfg
		err := cfg.Set(tt.key, tt.value)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Set(%s, %s) expected error", tt.key, tt.value)
			}
			if *cfg != before {
				t.Errorf("Set(%s, %s) modified config on error", tt.key, tt.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("Set(%s, %s) error = %v", tt.key, tt.value, err)
			continue
		}
		if !tt.check(cfg) {
			t.Errorf("Set(%s, %s) did not apply: %+v", tt.key, tt.value, cfg)
		}
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.GetProgressThrottle() != 250*time.Millisecond {
		t.Errorf("GetProgressThrottle() = %v", cfg.GetProgressThrottle())
	}
	if cfg.GetRetryBaseDelay() != time.Second {
		t.Errorf("GetRetryBaseDelay() = %v", cfg.GetRetryBaseDelay())
	}
	if cfg.GetRequestTimeout() != time.Minute {
		t.Errorf("GetRequestTimeout() = %v", cfg.GetRequestTimeout())
	}
}

func TestEntries(t *testing.T) {
	t.Setenv("DOCSYNC_CONFIG_DIR", t.TempDir())
	cfg := DefaultConfig()
	cfg.DefaultAccount = "alice"

	entries, err := cfg.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != len(keys) {
		t.Fatalf("Expected %d entries, got %d", len(keys), len(entries))
	}
	byKey := make(map[string]Entry, len(entries))
	for i, e := range entries {
		if i > 0 && entries[i-1].Key >= e.Key {
			t.Errorf("Entries not sorted at %q", e.Key)
		}
		byKey[e.Key] = e
	}
	if got := byKey["maxRetries"]; got.Value != "3" || got.Env != "DOCSYNC_MAX_RETRIES" {
		t.Errorf("maxRetries entry = %+v", got)
	}
	if got := byKey["defaultAccount"].Value; got != "alice" {
		t.Errorf("defaultAccount = %q", got)
	}
}
