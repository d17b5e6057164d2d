package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	// Index defaults
	assert.Equal(t, 1.2, cfg.Index.BM25K1)
	assert.Equal(t, 0.75, cfg.Index.BM25B)
	assert.Equal(t, 60, cfg.Index.RRFConstant)
	assert.Equal(t, 20, cfg.Index.RetrievalTopK)
	assert.Equal(t, 100, cfg.Index.IncrementalThreshold)
	assert.Equal(t, 100, cfg.Index.LineWindow)

	// Embeddings defaults
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
	assert.Equal(t, 1536, cfg.Embeddings.Dimensions)
	assert.Equal(t, 10, cfg.Embeddings.BatchSize)
	assert.Equal(t, time.Second, cfg.Embeddings.InterBatchDelay)

	// Queue defaults
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 100, cfg.Queue.CompletedRetention)
	assert.Equal(t, 100, cfg.Queue.FailedRetention)

	// Sandbox timeouts
	assert.Equal(t, 30*time.Minute, cfg.Sandbox.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.CloneTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.InstallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.TestTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.BuildTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Sandbox.CommandTimeout)

	// Generation defaults
	assert.Equal(t, 3, cfg.Generation.MaxIterations)
	assert.Equal(t, 5, cfg.Generation.SelectionFallback)
	assert.Equal(t, 5*time.Second, cfg.Generation.WaitPollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Generation.WaitTimeout)

	// Redis defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
}

func TestNewConfig_ValidatesClean(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Index.RRFConstant)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.yaml")
	content := `
data_dir: /var/lib/patchsmith
redis:
  addr: redis.internal:6379
index:
  incremental_threshold: 250
embeddings:
  dimensions: 768
  batch_size: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/patchsmith", cfg.DataDir)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 250, cfg.Index.IncrementalThreshold)
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, 5, cfg.Embeddings.BatchSize)
	// Untouched fields keep defaults.
	assert.Equal(t, 1.2, cfg.Index.BM25K1)
	assert.Equal(t, 3, cfg.Queue.Attempts)
}

func TestLoad_DurationStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.yaml")
	content := `
queue:
  backoff_base: 500ms
  index_job_timeout: 1h
sandbox:
  ttl: 45m
generation:
  wait_poll_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, time.Hour, cfg.Queue.IndexJobTimeout)
	assert.Equal(t, 45*time.Minute, cfg.Sandbox.TTL)
	assert.Equal(t, 2*time.Second, cfg.Generation.WaitPollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: from-file:6379\n"), 0o644))

	t.Setenv("PATCHSMITH_REDIS_ADDR", "from-env:6379")
	t.Setenv("PATCHSMITH_WEBHOOK_SECRET", "s3cret")
	t.Setenv("PATCHSMITH_INCREMENTAL_THRESHOLD", "42")
	t.Setenv("PATCHSMITH_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.GitHub.WebhookSecret)
	assert.Equal(t, 42, cfg.Index.IncrementalThreshold)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	// Embeddings key falls back to the LLM key when unset.
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "negative k1",
			mutate:  func(c *Config) { c.Index.BM25K1 = -1 },
			wantErr: "bm25_k1",
		},
		{
			name:    "b out of range",
			mutate:  func(c *Config) { c.Index.BM25B = 1.5 },
			wantErr: "bm25_b",
		},
		{
			name:    "zero rrf constant",
			mutate:  func(c *Config) { c.Index.RRFConstant = 0 },
			wantErr: "rrf_constant",
		},
		{
			name:    "zero dimensions",
			mutate:  func(c *Config) { c.Embeddings.Dimensions = 0 },
			wantErr: "dimensions",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "zero iterations",
			mutate:  func(c *Config) { c.Generation.MaxIterations = 0 },
			wantErr: "max_iterations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := NewConfig()
	cfg.DataDir = "/data"

	assert.Equal(t, filepath.Join("/data", "sandboxes"), cfg.SandboxRoot())
	assert.Equal(t, filepath.Join("/data", "indexes"), cfg.IndexRoot())
	assert.Equal(t, filepath.Join("/data", "registry.db"), cfg.RegistryPath())

	cfg.Sandbox.RootDir = "/scratch"
	assert.Equal(t, "/scratch", cfg.SandboxRoot())
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := NewConfig()
	cfg.Index.IncrementalThreshold = 77
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 77, loaded.Index.IncrementalThreshold)
}
