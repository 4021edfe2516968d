package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
  data_dir: /var/lib/base
store:
  max_batch_size: 5000
  reclaim_headroom: 100MiB
view:
  child_cache_size: 32
api:
  listen: ":9000"
  rate_limit:
    enabled: false
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/var/lib/base", cfg.Global.DataDir)
				assert.Equal(t, 5000, cfg.Store.MaxBatchSize)
				assert.Equal(t, 32, cfg.View.ChildCacheSize)
				assert.Equal(t, ":9000", cfg.API.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TESTLEDGER_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "integer override - max_batch_size",
			envVars: map[string]string{
				"TESTLEDGER_STORE_MAX_BATCH_SIZE": "250",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250, cfg.Store.MaxBatchSize)
			},
		},
		{
			name: "nested override - rate_limit.enabled",
			envVars: map[string]string{
				"TESTLEDGER_API_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.API.RateLimit.Enabled)
			},
		},
		{
			name: "key absent from file - archive bucket",
			envVars: map[string]string{
				"TESTLEDGER_ARCHIVE_S3_BUCKET": "ledger-archive",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ledger-archive", cfg.Archive.S3.Bucket)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "global: {}\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDataDir, cfg.Global.DataDir)
	assert.Equal(t, DefaultMaxBatchSize, cfg.Store.MaxBatchSize)
	assert.Equal(t, DefaultReclaimHeadroom, cfg.Store.ReclaimHeadroom)
	assert.Equal(t, DefaultChildCacheSize, cfg.View.ChildCacheSize)
	assert.Equal(t, DefaultFailedSinceLookback, cfg.View.FailedSinceLookback)
	assert.Equal(t, DefaultIngestBatchSize, cfg.Ingest.BatchSize)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
	assert.Equal(t, DefaultS3Region, cfg.Archive.S3.Region)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("TESTLEDGER_GLOBAL_DATA_DIR", "/srv/ledger")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/ledger", cfg.Global.DataDir)
	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
}

func TestLoad_MergesFiles(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
global:
  data_dir: /base
ingest:
  batch_size: 50
`)
	override := writeConfig(t, "override.yaml", `
ingest:
  batch_size: 200
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "/base", cfg.Global.DataDir)
	assert.Equal(t, 200, cfg.Ingest.BatchSize)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Global.LogLevel = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad owner",
			mutate:  func(cfg *Config) { cfg.Global.DataDirOwner = "root" },
			wantErr: "invalid data_dir_owner",
		},
		{
			name:    "bad headroom",
			mutate:  func(cfg *Config) { cfg.Store.ReclaimHeadroom = "lots" },
			wantErr: "invalid store.reclaim_headroom",
		},
		{
			name:    "bad busy timeout",
			mutate:  func(cfg *Config) { cfg.Store.BusyTimeout = "soon" },
			wantErr: "invalid store.busy_timeout",
		},
		{
			name:    "ingest batch larger than store limit",
			mutate:  func(cfg *Config) { cfg.Ingest.BatchSize = cfg.Store.MaxBatchSize + 1 },
			wantErr: "ingest.batch_size",
		},
		{
			name: "rate limit enabled without budget",
			mutate: func(cfg *Config) {
				cfg.API.RateLimit.Enabled = true
				cfg.API.RateLimit.RequestsPerMinute = -1
			},
			wantErr: "requests_per_minute",
		},
		{
			name:    "s3 enabled without bucket",
			mutate:  func(cfg *Config) { cfg.Archive.S3.Enabled = true },
			wantErr: "s3.bucket is required",
		},
		{
			name: "s3 half credentials",
			mutate: func(cfg *Config) {
				cfg.Archive.S3.Enabled = true
				cfg.Archive.S3.Bucket = "b"
				cfg.Archive.S3.AccessKeyID = "id"
			},
			wantErr: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreConfig_ReclaimHeadroomBytes(t *testing.T) {
	s := StoreConfig{ReclaimHeadroom: "500MiB"}

	n, err := s.ReclaimHeadroomBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(500*1024*1024), n)
}

func TestConfig_DumpRedactsSecrets(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Archive.S3.SecretAccessKey = "hunter2"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "<redacted>")
	assert.Equal(t, "hunter2", cfg.Archive.S3.SecretAccessKey)
}
