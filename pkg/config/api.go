package config

import "fmt"

// APIConfig contains the query API server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

func (c *APIConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Validate checks the API configuration.
func (c *APIConfig) Validate() error {
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive, got %d",
			c.RateLimit.RequestsPerMinute)
	}

	return nil
}

// ArchiveConfig configures where store snapshots are archived.
type ArchiveConfig struct {
	S3 S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config contains S3-compatible object storage settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

func (c *ArchiveConfig) applyDefaults() {
	if c.S3.Region == "" {
		c.S3.Region = DefaultS3Region
	}

	if c.S3.Prefix == "" {
		c.S3.Prefix = DefaultS3Prefix
	}
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	if !c.S3.Enabled {
		return nil
	}

	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when s3 is enabled")
	}

	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return fmt.Errorf(
			"s3.access_key_id and s3.secret_access_key must be set together")
	}

	return nil
}
