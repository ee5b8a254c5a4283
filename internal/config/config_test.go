package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// clearEnv unsets every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CMS_CONFIG", "CMS_API_URL", "MAX_WORKERS", "WORKING_DIR", "LOG_LEVEL", "THEME_FILTER",
		"USER_AGENT", "CATALOG_TIMEOUT", "DOWNLOAD_TIMEOUT", "RETRY_ATTEMPTS",
		"SFTP_HOST", "SFTP_PORT", "SFTP_USER", "SFTP_PASS", "SFTP_DIR", "SFTP_KNOWN_HOSTS", "SFTP_INSECURE_IGNORE_HOST_KEY",
		"PUBLISH_BUCKET_URL", "PUBLISH_WORKERS", "PUSHGATEWAY_URL", "AMQP_URL", "AMQP_QUEUE", "HISTORY_DB",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "meta_store.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFromYAML(t *testing.T) {
	clearEnv(t)
	work := t.TempDir()
	path := writeYAML(t, `
api_url: https://data.cms.gov/provider-data/api/1/metastore/schemas/dataset/items
max_workers: 8
working_dir: `+work+`
log_level: debug
theme_filter:
  - Hospitals
  - 42
  - " Physicians "
`)

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.APIURL != "https://data.cms.gov/provider-data/api/1/metastore/schemas/dataset/items" {
		t.Errorf("Unexpected api url %q", cfg.APIURL)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.MaxWorkers)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("Expected DEBUG, got %q", cfg.LogLevel)
	}
	if strings.Join(cfg.ThemeFilter, "|") != "Hospitals|Physicians" {
		t.Errorf("Expected string filters only, got %v", cfg.ThemeFilter)
	}
	if cfg.UserAgent != DefaultUserAgent {
		t.Errorf("Expected default user agent, got %q", cfg.UserAgent)
	}
	if cfg.CatalogTimeout != 30*time.Second || cfg.DownloadTimeout != 10*time.Minute || cfg.RetryAttempts != 5 {
		t.Errorf("Unexpected HTTP defaults: %v %v %d", cfg.CatalogTimeout, cfg.DownloadTimeout, cfg.RetryAttempts)
	}
	if cfg.StateFile() != filepath.Join(work, "control", "dataset_catalog.json") {
		t.Errorf("Unexpected state file %q", cfg.StateFile())
	}
	if cfg.LogDir() != filepath.Join(work, "logging") || cfg.LandingDir() != filepath.Join(work, "landing") || cfg.OutputDir() != filepath.Join(work, "output") {
		t.Error("Unexpected working dir layout")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "api_url: http://yaml\nmax_workers: 8\nworking_dir: /tmp/yaml\ntheme_filter: hospitals\n")
	t.Setenv("CMS_API_URL", "http://env")
	t.Setenv("THEME_FILTER", "dialysis, nursing homes")

	cfg, err := Load([]string{"--config", path, "--max-workers", "3"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.APIURL != "http://env" {
		t.Errorf("Expected env to win over YAML, got %q", cfg.APIURL)
	}
	if cfg.MaxWorkers != 3 {
		t.Errorf("Expected flag to win over YAML, got %d", cfg.MaxWorkers)
	}
	if cfg.WorkingDir != "/tmp/yaml" {
		t.Errorf("Expected YAML working dir, got %q", cfg.WorkingDir)
	}
	if strings.Join(cfg.ThemeFilter, "|") != "dialysis|nursing homes" {
		t.Errorf("Expected env filters, got %v", cfg.ThemeFilter)
	}
}

func TestLoadMissingFileUsesFlags(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"--api-url", "http://x",
		"--working-dir", t.TempDir(),
		"--theme-filter", "hospitals",
		"--theme-filter", "physicians",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("Expected default workers, got %d", cfg.MaxWorkers)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("Expected default log level, got %q", cfg.LogLevel)
	}
	if len(cfg.ThemeFilter) != 2 {
		t.Errorf("Expected repeated flag to collect 2 filters, got %v", cfg.ThemeFilter)
	}
}

func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		yaml string
	}{
		{"missing api url", []string{"--working-dir", "/tmp/w"}, ""},
		{"missing working dir", []string{"--api-url", "http://x"}, ""},
		{"negative workers", []string{"--api-url", "http://x", "--working-dir", "/tmp/w", "--max-workers=-2"}, ""},
		{"bad yaml", []string{"--api-url", "http://x", "--working-dir", "/tmp/w"}, "max_workers: [oops"},
		{"unknown flag", []string{"--nope"}, ""},
		{"list runs without history db", []string{"--api-url", "http://x", "--working-dir", "/tmp/w", "--list-runs", "3"}, ""},
		{"sftp without host key policy", []string{"--api-url", "http://x", "--working-dir", "/tmp/w", "--sftp-host", "sftp.example.com"}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			args := append([]string{"--config", writeYAML(t, tc.yaml)}, tc.args...)
			cfg, err := Load(args)
			if err == nil {
				t.Errorf("Expected error, got config %+v", cfg)
			}
		})
	}
}

func TestLoadHelp(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"--help"})
	if err != nil || cfg != nil {
		t.Errorf("Expected nil config and nil error for help, got %v, %v", cfg, err)
	}
}

func TestStringList(t *testing.T) {
	testCases := []struct {
		input    string
		expected []string
	}{
		{"theme_filter: hospitals", []string{"hospitals"}},
		{"theme_filter: [a, b]", []string{"a", "b"}},
		{"theme_filter: [a, 1, true, {x: y}]", []string{"a"}},
		{"theme_filter: 12", nil},
		{"theme_filter:", nil},
	}

	for _, tc := range testCases {
		var fc fileCfg
		if err := yaml.Unmarshal([]byte(tc.input), &fc); err != nil {
			t.Fatalf("Unmarshal(%q): %v", tc.input, err)
		}
		if strings.Join(fc.ThemeFilter, "|") != strings.Join(tc.expected, "|") {
			t.Errorf("Unmarshal(%q) = %v, want %v", tc.input, fc.ThemeFilter, tc.expected)
		}
	}
}

func TestSFTPConfig(t *testing.T) {
	c := SFTPConfig{Host: "sftp.example.com", Port: 2222}
	if !c.Enabled() {
		t.Error("Expected SFTP to be enabled with a host")
	}
	if c.Addr() != "sftp.example.com:2222" {
		t.Errorf("Unexpected addr %q", c.Addr())
	}
	if (SFTPConfig{}).Enabled() {
		t.Error("Expected SFTP disabled without host")
	}
}
