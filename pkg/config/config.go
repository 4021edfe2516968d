package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testledger/pkg/fsutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment variable override.
	EnvPrefix = "TESTLEDGER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDataDir is the default root directory holding one store per project.
	DefaultDataDir = "./data"

	// DefaultMaxBatchSize is the largest record batch a single insert accepts.
	DefaultMaxBatchSize = 10000

	// DefaultReclaimHeadroom is added to the post-reclaim store size to form
	// the next reclaim threshold.
	DefaultReclaimHeadroom = "500MiB"

	// DefaultBusyTimeout is how long SQLite waits on a locked database.
	DefaultBusyTimeout = "5s"

	// DefaultMaxOpenConns caps the connection pool of each project store.
	DefaultMaxOpenConns = 4

	// DefaultChildCacheSize is the number of child lists the view keeps.
	DefaultChildCacheSize = 256

	// DefaultFailedSinceLookback bounds the history scanned for "failed since".
	DefaultFailedSinceLookback = 5000

	// DefaultIngestBatchSize is the number of records flushed per insert.
	DefaultIngestBatchSize = 100

	// DefaultIngestConcurrency is the number of report files decoded at once.
	DefaultIngestConcurrency = 4

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultRequestsPerMinute is the default per-IP API rate limit.
	DefaultRequestsPerMinute = 600

	// DefaultS3Region is used when no archive region is configured.
	DefaultS3Region = "us-east-1"

	// DefaultS3Prefix is the key prefix for archived snapshots.
	DefaultS3Prefix = "testledger"
)

// Config is the root configuration structure.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	View    ViewConfig    `yaml:"view" mapstructure:"view"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Archive ArchiveConfig `yaml:"archive" mapstructure:"archive"`
}

// GlobalConfig contains settings shared by every command.
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	DataDirOwner string `yaml:"data_dir_owner,omitempty" mapstructure:"data_dir_owner"`
}

// StoreConfig tunes the per-project embedded database.
type StoreConfig struct {
	MaxBatchSize    int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	ReclaimHeadroom string `yaml:"reclaim_headroom" mapstructure:"reclaim_headroom"`
	BusyTimeout     string `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// ViewConfig tunes the hierarchical view layer.
type ViewConfig struct {
	ChildCacheSize      int `yaml:"child_cache_size" mapstructure:"child_cache_size"`
	FailedSinceLookback int `yaml:"failed_since_lookback" mapstructure:"failed_since_lookback"`
}

// IngestConfig tunes record ingestion.
type IngestConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads one or more YAML config files, merging later files over earlier
// ones, applies TESTLEDGER_* environment overrides and fills defaults.
// With no paths the configuration comes from defaults and environment only.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key with viper so environment overrides apply
// even when the key is absent from all config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.data_dir", DefaultDataDir)
	v.SetDefault("global.data_dir_owner", "")
	v.SetDefault("store.max_batch_size", DefaultMaxBatchSize)
	v.SetDefault("store.reclaim_headroom", DefaultReclaimHeadroom)
	v.SetDefault("store.busy_timeout", DefaultBusyTimeout)
	v.SetDefault("store.max_open_conns", DefaultMaxOpenConns)
	v.SetDefault("view.child_cache_size", DefaultChildCacheSize)
	v.SetDefault("view.failed_since_lookback", DefaultFailedSinceLookback)
	v.SetDefault("ingest.batch_size", DefaultIngestBatchSize)
	v.SetDefault("ingest.concurrency", DefaultIngestConcurrency)
	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", DefaultS3Prefix)
	v.SetDefault("archive.s3.region", DefaultS3Region)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.storage_class", "")
}

// applyDefaults sets default values for options that were explicitly zeroed.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.DataDir == "" {
		c.Global.DataDir = DefaultDataDir
	}

	if c.Store.MaxBatchSize == 0 {
		c.Store.MaxBatchSize = DefaultMaxBatchSize
	}

	if c.Store.ReclaimHeadroom == "" {
		c.Store.ReclaimHeadroom = DefaultReclaimHeadroom
	}

	if c.Store.BusyTimeout == "" {
		c.Store.BusyTimeout = DefaultBusyTimeout
	}

	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = DefaultMaxOpenConns
	}

	if c.View.ChildCacheSize == 0 {
		c.View.ChildCacheSize = DefaultChildCacheSize
	}

	if c.View.FailedSinceLookback == 0 {
		c.View.FailedSinceLookback = DefaultFailedSinceLookback
	}

	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = DefaultIngestBatchSize
	}

	if c.Ingest.Concurrency == 0 {
		c.Ingest.Concurrency = DefaultIngestConcurrency
	}

	c.API.applyDefaults()
	c.Archive.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Global.LogLevel, err)
	}

	if _, err := fsutil.ParseOwner(c.Global.DataDirOwner); err != nil {
		return fmt.Errorf("invalid data_dir_owner: %w", err)
	}

	if c.Store.MaxBatchSize < 1 {
		return fmt.Errorf("store.max_batch_size must be positive, got %d",
			c.Store.MaxBatchSize)
	}

	if _, err := c.Store.ReclaimHeadroomBytes(); err != nil {
		return err
	}

	if _, err := c.Store.BusyTimeoutDuration(); err != nil {
		return err
	}

	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("store.max_open_conns must be positive, got %d",
			c.Store.MaxOpenConns)
	}

	if c.View.ChildCacheSize < 1 {
		return fmt.Errorf("view.child_cache_size must be positive, got %d",
			c.View.ChildCacheSize)
	}

	if c.View.FailedSinceLookback < 1 {
		return fmt.Errorf("view.failed_since_lookback must be positive, got %d",
			c.View.FailedSinceLookback)
	}

	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > c.Store.MaxBatchSize {
		return fmt.Errorf("ingest.batch_size must be between 1 and %d, got %d",
			c.Store.MaxBatchSize, c.Ingest.BatchSize)
	}

	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be positive, got %d",
			c.Ingest.Concurrency)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	return nil
}

// ReclaimHeadroomBytes parses the reclaim headroom size string.
func (s *StoreConfig) ReclaimHeadroomBytes() (int64, error) {
	n, err := units.RAMInBytes(s.ReclaimHeadroom)
	if err != nil {
		return 0, fmt.Errorf("invalid store.reclaim_headroom %q: %w",
			s.ReclaimHeadroom, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("store.reclaim_headroom must not be negative")
	}

	return n, nil
}

// BusyTimeoutDuration parses the busy timeout duration string.
func (s *StoreConfig) BusyTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.BusyTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid store.busy_timeout %q: %w",
			s.BusyTimeout, err)
	}

	return d, nil
}

// Dump renders the effective configuration as YAML with secrets redacted.
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	if redacted.Archive.S3.SecretAccessKey != "" {
		redacted.Archive.S3.SecretAccessKey = "<redacted>"
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&redacted); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return buf.Bytes(), nil
}
