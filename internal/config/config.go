package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	BaseURL     string `yaml:"base_url"`     // e.g. https://data.gharchive.org
	ListingPath string `yaml:"listing_path"` // directory listing endpoint, relative to base_url
	Mode        string `yaml:"mode"`         // listing | hourly
	NamePattern string `yaml:"name_pattern"` // first two groups: date, hour
	Since       string `yaml:"since"`        // YYYY-MM-DD or RFC3339
	Until       string `yaml:"until"`        // optional upper bound, same formats
	UserAgent   string `yaml:"user_agent"`
	MaxPages    int    `yaml:"max_pages"` // listing pages per run
	// Request rate against the archive host (0 = unlimited)
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type PipelineConfig struct {
	Concurrency      int           `yaml:"concurrency"`       // segments in flight
	BatchSize        int           `yaml:"batch_size"`        // events per flush
	MaxSegmentBytes  int64         `yaml:"max_segment_bytes"` // compressed size ceiling
	MaxLineBytes     int           `yaml:"max_line_bytes"`    // decompressed line ceiling
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxRetries       int           `yaml:"max_retries"` // attempts, including the first
	Backoff          time.Duration `yaml:"backoff"`     // initial
	MaxBackoff       time.Duration `yaml:"max_backoff"` // cap
	TempDir          string        `yaml:"temp_dir"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	CheckEveryChunks int           `yaml:"check_every_chunks"` // governor checks during transfer
	IncludeTypes     []string      `yaml:"include_types"`
	ExcludeTypes     []string      `yaml:"exclude_types"`
	MaxRejectRatio   float64       `yaml:"max_reject_ratio"` // warn above this
}

type GovernorConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MemoryWarningPct  float64       `yaml:"memory_warning_pct"`
	MemoryCriticalPct float64       `yaml:"memory_critical_pct"`
	DiskWarningPct    float64       `yaml:"disk_warning_pct"`
	DiskCriticalPct   float64       `yaml:"disk_critical_pct"`
	CPUWarningPct     float64       `yaml:"cpu_warning_pct"`
	CPUCriticalPct    float64       `yaml:"cpu_critical_pct"`
	DiskPath          string        `yaml:"disk_path"` // volume to watch, default temp_dir
	MaxPause          time.Duration `yaml:"max_pause"` // sustained pressure becomes a failure
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // empty disables /metrics
	Snapshot      bool   `yaml:"snapshot"`       // log a snapshot after each run
}

type StateConfig struct {
	SummaryPath string `yaml:"summary_path"` // JSON run summary, empty disables
}

type ScheduleConfig struct {
	Cron string `yaml:"cron"` // daemon cadence
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Governor GovernorConfig `yaml:"governor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	State    StateConfig    `yaml:"state"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Log      LogConfig      `yaml:"log"`
}

const DefaultNamePattern = `^(\d{4}-\d{2}-\d{2})-(\d{1,2})\.json\.gz$`

// Load reads the YAML file at path, applies defaults and environment
// overrides, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Source.ListingPath == "" {
		c.Source.ListingPath = "/"
	}
	if c.Source.Mode == "" {
		c.Source.Mode = "listing"
	}
	if c.Source.NamePattern == "" {
		c.Source.NamePattern = DefaultNamePattern
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = "archive-ingester"
	}
	if c.Source.MaxPages == 0 {
		c.Source.MaxPages = 1000
	}
	if c.Source.Burst == 0 {
		c.Source.Burst = 1
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 8
	}

	p := &c.Pipeline
	if p.Concurrency == 0 {
		p.Concurrency = 8
	}
	if p.BatchSize == 0 {
		p.BatchSize = 500
	}
	if p.MaxSegmentBytes == 0 {
		p.MaxSegmentBytes = 1 << 30
	}
	if p.MaxLineBytes == 0 {
		p.MaxLineBytes = 16 << 20
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 5 * time.Minute
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Backoff == 0 {
		p.Backoff = time.Second
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.TempDir == "" {
		p.TempDir = filepath.Join(os.TempDir(), "archive-ingester")
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = 30 * time.Second
	}
	if p.CheckEveryChunks == 0 {
		p.CheckEveryChunks = 64
	}
	if p.MaxRejectRatio == 0 {
		p.MaxRejectRatio = 0.05
	}

	g := &c.Governor
	if g.PollInterval == 0 {
		g.PollInterval = 5 * time.Second
	}
	if g.MemoryWarningPct == 0 {
		g.MemoryWarningPct = 75
	}
	if g.MemoryCriticalPct == 0 {
		g.MemoryCriticalPct = 90
	}
	if g.DiskWarningPct == 0 {
		g.DiskWarningPct = 85
	}
	if g.DiskCriticalPct == 0 {
		g.DiskCriticalPct = 95
	}
	if g.CPUWarningPct == 0 {
		g.CPUWarningPct = 85
	}
	if g.CPUCriticalPct == 0 {
		g.CPUCriticalPct = 97
	}
	if g.DiskPath == "" {
		g.DiskPath = p.TempDir
	}
	if g.MaxPause == 0 {
		g.MaxPause = 10 * time.Minute
	}

	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "5 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// applyEnv lets deployments override the handful of options that differ
// between environments without editing the file.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"ARCHIVE_BASE_URL":     &c.Source.BaseURL,
		"ARCHIVE_SOURCE_MODE":  &c.Source.Mode,
		"ARCHIVE_SINCE":        &c.Source.Since,
		"ARCHIVE_UNTIL":        &c.Source.Until,
		"ARCHIVE_STORE_DRIVER": &c.Store.Driver,
		"ARCHIVE_STORE_DSN":    &c.Store.DSN,
		"ARCHIVE_TEMP_DIR":     &c.Pipeline.TempDir,
		"ARCHIVE_LOG_LEVEL":    &c.Log.Level,
	}
	for k, dst := range str {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"ARCHIVE_CONCURRENCY": &c.Pipeline.Concurrency,
		"ARCHIVE_BATCH_SIZE":  &c.Pipeline.BatchSize,
	}
	for k, dst := range ints {
		v := strings.TrimSpace(getenv(k))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", k, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the options that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	switch c.Source.Mode {
	case "listing", "hourly":
	default:
		errs = append(errs, fmt.Errorf("source.mode %q: want listing or hourly", c.Source.Mode))
	}
	if _, err := regexp.Compile(c.Source.NamePattern); err != nil {
		errs = append(errs, fmt.Errorf("source.name_pattern: %w", err))
	}
	if _, err := c.Since(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Until(); err != nil {
		errs = append(errs, err)
	}
	if c.Source.Mode == "hourly" && c.Source.Since == "" {
		errs = append(errs, errors.New("source.since is required in hourly mode"))
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want postgres or sqlite", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, errors.New("pipeline.concurrency must be >= 1"))
	}
	if c.Pipeline.BatchSize < 1 {
		errs = append(errs, errors.New("pipeline.batch_size must be >= 1"))
	}
	g := c.Governor
	for _, th := range []struct {
		name          string
		warn, critical float64
	}{
		{"memory", g.MemoryWarningPct, g.MemoryCriticalPct},
		{"disk", g.DiskWarningPct, g.DiskCriticalPct},
		{"cpu", g.CPUWarningPct, g.CPUCriticalPct},
	} {
		if th.warn > th.critical {
			errs = append(errs, fmt.Errorf("governor: %s warning %.0f%% above critical %.0f%%", th.name, th.warn, th.critical))
		}
	}
	return errors.Join(errs...)
}

// Since returns the lower date bound, zero if unset.
func (c *Config) Since() (time.Time, error) {
	t, err := ParseDate(c.Source.Since)
	if err != nil {
		return time.Time{}, fmt.Errorf("source.since: %w", err)
	}
	return t, nil
}

// Until returns the upper date bound, zero if unset.
func (c *Config) Until() (time.Time, error) {
	t, err := ParseDate(c.Source.Until)
	if err != nil {
		return time.Time{}, fmt.Errorf("source.until: %w", err)
	}
	return t, nil
}

// ParseDate accepts YYYY-MM-DD, YYYY-MM-DD-H or RFC3339. Empty yields zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if i := strings.LastIndexByte(s, '-'); i == len("2006-01-02") {
		day, err := time.Parse("2006-01-02", s[:i])
		if err == nil {
			if h, err := strconv.Atoi(s[i+1:]); err == nil && h >= 0 && h < 24 {
				return day.Add(time.Duration(h) * time.Hour), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", s)
}
