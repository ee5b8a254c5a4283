package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxWorkers = 5
	DefaultLogLevel   = "INFO"
	DefaultUserAgent  = "cms-metastore-extractor/1.0"

	stateFileName = "dataset_catalog.json"
)

type Config struct {
	APIURL      string
	MaxWorkers  int
	WorkingDir  string
	LogLevel    string
	ThemeFilter []string

	UserAgent       string
	CatalogTimeout  time.Duration
	DownloadTimeout time.Duration
	RetryAttempts   int

	Publish PublishConfig

	PushgatewayURL string
	AMQPURL        string
	AMQPQueue      string
	HistoryDB      string

	// ListRuns > 0 prints the latest runs from HistoryDB instead of running the job.
	ListRuns int
}

type PublishConfig struct {
	SFTP      SFTPConfig
	BucketURL string
	Workers   int
}

type SFTPConfig struct {
	Host                  string
	Port                  int
	User                  string
	Pass                  string
	Dir                   string
	KnownHosts            string
	InsecureIgnoreHostKey bool
}

// Enabled reports whether SFTP publishing is configured.
func (c SFTPConfig) Enabled() bool {
	return c.Host != ""
}

// Addr is host:port.
func (c SFTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Directory layout under WorkingDir.
func (c *Config) LandingDir() string { return filepath.Join(c.WorkingDir, "landing") }
func (c *Config) OutputDir() string  { return filepath.Join(c.WorkingDir, "output") }
func (c *Config) ControlDir() string { return filepath.Join(c.WorkingDir, "control") }
func (c *Config) LogDir() string     { return filepath.Join(c.WorkingDir, "logging") }
func (c *Config) StateFile() string  { return filepath.Join(c.ControlDir(), stateFileName) }

// rawCfg: options without a default here can also come from the YAML file,
// so an empty value means "not set on the command line or environment".
type rawCfg struct {
	ConfigPath string `long:"config" env:"CMS_CONFIG" default:"config/meta_store.yaml" description:"Path to the YAML business configuration"`

	APIURL      string   `long:"api-url" env:"CMS_API_URL" description:"Metastore catalog URL"`
	MaxWorkers  int      `long:"max-workers" env:"MAX_WORKERS" description:"Number of datasets processed in parallel"`
	WorkingDir  string   `long:"working-dir" env:"WORKING_DIR" description:"Root of landing/, output/, control/ and logging/"`
	LogLevel    string   `long:"log-level" env:"LOG_LEVEL" description:"DEBUG, INFO, WARNING, ERROR or CRITICAL"`
	ThemeFilter []string `long:"theme-filter" env:"THEME_FILTER" env-delim:"," description:"Theme/keyword to select datasets (repeatable)"`

	UserAgent       string        `long:"user-agent" env:"USER_AGENT" default:"cms-metastore-extractor/1.0" description:"User agent for HTTP requests"`
	CatalogTimeout  time.Duration `long:"catalog-timeout" env:"CATALOG_TIMEOUT" default:"30s" description:"Timeout of each catalog request attempt"`
	DownloadTimeout time.Duration `long:"download-timeout" env:"DOWNLOAD_TIMEOUT" default:"10m" description:"Timeout of one distribution download"`
	RetryAttempts   int           `long:"retry-attempts" env:"RETRY_ATTEMPTS" default:"5" description:"Retries for 429/5xx responses and transport errors"`

	SFTPHost       string `long:"sftp-host" env:"SFTP_HOST" description:"Publish outputs to this SFTP host (optional)"`
	SFTPPort       int    `long:"sftp-port" env:"SFTP_PORT" default:"22" description:"SFTP port"`
	SFTPUser       string `long:"sftp-user" env:"SFTP_USER" description:"SFTP user"`
	SFTPPass       string `long:"sftp-pass" env:"SFTP_PASS" description:"SFTP password"`
	SFTPDir        string `long:"sftp-dir" env:"SFTP_DIR" default:"." description:"Remote directory for published outputs"`
	SFTPKnownHosts string `long:"sftp-known-hosts" env:"SFTP_KNOWN_HOSTS" description:"known_hosts file used to verify the SFTP host key"`
	SFTPInsecure   bool   `long:"sftp-insecure-ignore-host-key" env:"SFTP_INSECURE_IGNORE_HOST_KEY" description:"Skip SFTP host key verification"`

	BucketURL      string `long:"bucket-url" env:"PUBLISH_BUCKET_URL" description:"Publish outputs to this gocloud bucket URL, e.g. s3://bucket or file:///srv/out (optional)"`
	PublishWorkers int    `long:"publish-workers" env:"PUBLISH_WORKERS" default:"4" description:"Parallel uploads per publisher"`

	PushgatewayURL string `long:"pushgateway-url" env:"PUSHGATEWAY_URL" description:"Push run metrics to this Prometheus Pushgateway (optional)"`
	AMQPURL        string `long:"amqp-url" env:"AMQP_URL" description:"Send distribution notifications to this AMQP broker (optional)"`
	AMQPQueue      string `long:"amqp-queue" env:"AMQP_QUEUE" default:"cms.distributions" description:"AMQP queue for notifications"`
	HistoryDB      string `long:"history-db" env:"HISTORY_DB" description:"SQLite file recording run history (optional)"`
	ListRuns       int    `long:"list-runs" description:"Print the last N runs recorded in --history-db and exit"`
}

// fileCfg is config/meta_store.yaml.
type fileCfg struct {
	APIURL      string     `yaml:"api_url"`
	MaxWorkers  int        `yaml:"max_workers"`
	WorkingDir  string     `yaml:"working_dir"`
	LogLevel    string     `yaml:"log_level"`
	ThemeFilter StringList `yaml:"theme_filter"`
}

// StringList puede venir como:
// - "hospitals" (string)
// - ["hospitals", "physicians"] (lista)
// Non-string items are ignored.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	*l = nil
	switch value.Kind {
	case yaml.ScalarNode:
		if value.ShortTag() == "!!str" {
			*l = StringList{value.Value}
		}
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind == yaml.ScalarNode && item.ShortTag() == "!!str" {
				out = append(out, item.Value)
			}
		}
		*l = out
	}
	return nil
}

// Load parses args (without the program name) and the environment, then
// reads the YAML file they point to. Flags and environment win over YAML.
// It returns nil, nil when help was requested.
func Load(args []string) (*Config, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	file, err := readFile(raw.ConfigPath)
	if err != nil {
		return nil, err
	}

	cfg := merge(raw, file)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile reads the YAML config; a missing file is not an error.
func readFile(path string) (fileCfg, error) {
	var fc fileCfg
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func merge(raw rawCfg, file fileCfg) *Config {
	cfg := &Config{
		APIURL:      firstNonEmpty(raw.APIURL, file.APIURL),
		MaxWorkers:  firstNonZero(raw.MaxWorkers, file.MaxWorkers, DefaultMaxWorkers),
		WorkingDir:  firstNonEmpty(raw.WorkingDir, file.WorkingDir),
		LogLevel:    strings.ToUpper(firstNonEmpty(raw.LogLevel, file.LogLevel, DefaultLogLevel)),
		ThemeFilter: splitFilters(raw.ThemeFilter),

		UserAgent:       firstNonEmpty(raw.UserAgent, DefaultUserAgent),
		CatalogTimeout:  raw.CatalogTimeout,
		DownloadTimeout: raw.DownloadTimeout,
		RetryAttempts:   raw.RetryAttempts,

		Publish: PublishConfig{
			SFTP: SFTPConfig{
				Host:                  raw.SFTPHost,
				Port:                  raw.SFTPPort,
				User:                  raw.SFTPUser,
				Pass:                  raw.SFTPPass,
				Dir:                   raw.SFTPDir,
				KnownHosts:            raw.SFTPKnownHosts,
				InsecureIgnoreHostKey: raw.SFTPInsecure,
			},
			BucketURL: raw.BucketURL,
			Workers:   raw.PublishWorkers,
		},

		PushgatewayURL: raw.PushgatewayURL,
		AMQPURL:        raw.AMQPURL,
		AMQPQueue:      raw.AMQPQueue,
		HistoryDB:      raw.HistoryDB,
		ListRuns:       raw.ListRuns,
	}
	if len(cfg.ThemeFilter) == 0 {
		cfg.ThemeFilter = trimFilters(file.ThemeFilter)
	}
	if cfg.WorkingDir != "" {
		if abs, err := filepath.Abs(cfg.WorkingDir); err == nil {
			cfg.WorkingDir = abs
		}
	}
	return cfg
}

// Validate checks required options.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required (--api-url, CMS_API_URL or config file)"))
	}
	if c.WorkingDir == "" {
		errs = append(errs, errors.New("working_dir is required (--working-dir, WORKING_DIR or config file)"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry attempts must not be negative, got %d", c.RetryAttempts))
	}
	if c.ListRuns < 0 {
		errs = append(errs, fmt.Errorf("list-runs must not be negative, got %d", c.ListRuns))
	}
	if c.ListRuns > 0 && c.HistoryDB == "" {
		errs = append(errs, errors.New("list-runs needs --history-db or HISTORY_DB"))
	}
	if c.Publish.SFTP.Enabled() && c.Publish.SFTP.KnownHosts == "" && !c.Publish.SFTP.InsecureIgnoreHostKey {
		errs = append(errs, errors.New("sftp: set SFTP_KNOWN_HOSTS or SFTP_INSECURE_IGNORE_HOST_KEY"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// splitFilters trims entries and splits comma separated values.
func splitFilters(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func trimFilters(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
