package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Patchsmith service configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	GitHub     GitHubConfig     `yaml:"github" json:"github"`
	Generation GenerationConfig `yaml:"generation" json:"generation"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// BaseURL is used to build absolute status URLs in 202 responses.
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	// Format is "json", "text", or "auto" (text when stderr is a TTY).
	Format        string `yaml:"format" json:"format"`
	FilePath      string `yaml:"file_path" json:"file_path"`
	MaxSizeMB     int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files" json:"max_files"`
	WriteToStderr bool   `yaml:"write_to_stderr" json:"write_to_stderr"`
}

// RedisConfig configures the queue and meta-store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// QueueConfig configures durable job queues.
type QueueConfig struct {
	Attempts           int           `yaml:"attempts" json:"attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base" json:"backoff_base"`
	CompletedRetention int           `yaml:"completed_retention" json:"completed_retention"`
	FailedRetention    int           `yaml:"failed_retention" json:"failed_retention"`
	IndexJobTimeout    time.Duration `yaml:"index_job_timeout" json:"index_job_timeout"`
	GenerateJobTimeout time.Duration `yaml:"generate_job_timeout" json:"generate_job_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// LLMConfig configures the chat-completion provider.
type LLMConfig struct {
	APIKey            string        `yaml:"api_key" json:"-"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	Model             string        `yaml:"model" json:"model"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	APIKey     string `yaml:"api_key" json:"-"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	// BatchSize is the number of chunks embedded per provider call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// InterBatchDelay is the pause between batches to respect provider rate.
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" json:"inter_batch_delay"`
	CacheSize       int           `yaml:"cache_size" json:"cache_size"`
}

// IndexConfig configures the lexical and vector indexes plus retrieval.
type IndexConfig struct {
	BM25K1 float64 `yaml:"bm25_k1" json:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b" json:"bm25_b"`
	// RRFConstant is the fusion smoothing parameter (k). Default 60.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// RetrievalTopK is the number of fused chunks returned to callers.
	RetrievalTopK int `yaml:"retrieval_top_k" json:"retrieval_top_k"`
	// IncrementalThreshold is the changed-file count above which a push
	// triggers a full reindex instead of an incremental one.
	IncrementalThreshold int `yaml:"incremental_threshold" json:"incremental_threshold"`
	// LineWindow is the fallback chunk size for non-parseable files.
	LineWindow int `yaml:"line_window" json:"line_window"`
	// ChunkWorkers bounds parallel file chunking during indexing.
	ChunkWorkers int `yaml:"chunk_workers" json:"chunk_workers"`
}

// SandboxConfig configures isolated working trees and command execution.
type SandboxConfig struct {
	// RootDir defaults to {data_dir}/sandboxes.
	RootDir        string        `yaml:"root_dir" json:"root_dir"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	CloneTimeout   time.Duration `yaml:"clone_timeout" json:"clone_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout" json:"install_timeout"`
	TestTimeout    time.Duration `yaml:"test_timeout" json:"test_timeout"`
	BuildTimeout   time.Duration `yaml:"build_timeout" json:"build_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
}

// GitHubConfig configures the forge-provider app credentials.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id" json:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`
	PrivateKey     string `yaml:"private_key" json:"-"`
	WebhookSecret  string `yaml:"webhook_secret" json:"-"`
	// APIBaseURL overrides the GitHub API endpoint (tests, GHE).
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`
}

// GenerationConfig configures the generate-validate loop.
type GenerationConfig struct {
	MaxIterations     int           `yaml:"max_iterations" json:"max_iterations"`
	SelectionFallback int           `yaml:"selection_fallback" json:"selection_fallback"`
	WaitPollInterval  time.Duration `yaml:"wait_poll_interval" json:"wait_poll_interval"`
	WaitTimeout       time.Duration `yaml:"wait_timeout" json:"wait_timeout"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Server: ServerConfig{
			ListenAddr: ":8080",
			BaseURL:    "",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "auto",
			FilePath:      "",
			MaxSizeMB:     100,
			MaxFiles:      3,
			WriteToStderr: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 20,
		},
		Queue: QueueConfig{
			Attempts:           3,
			BackoffBase:        2 * time.Second,
			CompletedRetention: 100,
			FailedRetention:    100,
			IndexJobTimeout:    30 * time.Minute,
			GenerateJobTimeout: 30 * time.Minute,
			PollInterval:       time.Second,
		},
		LLM: LLMConfig{
			Model:             "gpt-4o",
			RequestTimeout:    2 * time.Minute,
			RequestsPerMinute: 60,
			MaxTokens:         8192,
		},
		Embeddings: EmbeddingsConfig{
			Model:           "text-embedding-3-small",
			Dimensions:      1536,
			BatchSize:       10,
			InterBatchDelay: time.Second,
			CacheSize:       1000,
		},
		Index: IndexConfig{
			BM25K1:               1.2,
			BM25B:                0.75,
			RRFConstant:          60,
			RetrievalTopK:        20,
			IncrementalThreshold: 100,
			LineWindow:           100,
			ChunkWorkers:         4,
		},
		Sandbox: SandboxConfig{
			RootDir:        "",
			TTL:            30 * time.Minute,
			CloneTimeout:   5 * time.Minute,
			InstallTimeout: 10 * time.Minute,
			TestTimeout:    5 * time.Minute,
			BuildTimeout:   10 * time.Minute,
			CommandTimeout: 3 * time.Minute,
		},
		GitHub: GitHubConfig{},
		Generation: GenerationConfig{
			MaxIterations:     3,
			SelectionFallback: 5,
			WaitPollInterval:  5 * time.Second,
			WaitTimeout:       10 * time.Minute,
		},
	}
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "patchsmith")
	}
	return filepath.Join(home, ".patchsmith")
}

// Load loads configuration with increasing precedence:
//  1. Hardcoded defaults
//  2. YAML file at path (skipped when path is empty or missing)
//  3. Environment variables (PATCHSMITH_*)
//
// The final configuration is validated before returning.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies PATCHSMITH_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PATCHSMITH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PATCHSMITH_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PATCHSMITH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PATCHSMITH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PATCHSMITH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PATCHSMITH_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
		if c.Embeddings.APIKey == "" {
			c.Embeddings.APIKey = v
		}
	}
	if v := os.Getenv("PATCHSMITH_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("PATCHSMITH_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("PATCHSMITH_EMBEDDINGS_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
	}
	if v := os.Getenv("PATCHSMITH_EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("PATCHSMITH_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("PATCHSMITH_EMBEDDINGS_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embeddings.Dimensions = n
		}
	}
	if v := os.Getenv("PATCHSMITH_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("PATCHSMITH_GITHUB_APP_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitHub.AppID = n
		}
	}
	if v := os.Getenv("PATCHSMITH_GITHUB_PRIVATE_KEY"); v != "" {
		c.GitHub.PrivateKey = v
	}
	if v := os.Getenv("PATCHSMITH_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		c.GitHub.PrivateKeyPath = v
	}
	if v := os.Getenv("PATCHSMITH_INCREMENTAL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Index.IncrementalThreshold = n
		}
	}
	if v := os.Getenv("PATCHSMITH_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Index.RRFConstant = n
		}
	}
}

// SandboxRoot returns the sandbox root directory, derived from DataDir
// when not set explicitly.
func (c *Config) SandboxRoot() string {
	if c.Sandbox.RootDir != "" {
		return c.Sandbox.RootDir
	}
	return filepath.Join(c.DataDir, "sandboxes")
}

// IndexRoot returns the directory holding persisted repository indexes.
func (c *Config) IndexRoot() string {
	return filepath.Join(c.DataDir, "indexes")
}

// RegistryPath returns the sqlite installation-registry path.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Index.BM25K1 <= 0 {
		return fmt.Errorf("index.bm25_k1 must be positive, got %f", c.Index.BM25K1)
	}
	if c.Index.BM25B < 0 || c.Index.BM25B > 1 {
		return fmt.Errorf("index.bm25_b must be between 0 and 1, got %f", c.Index.BM25B)
	}
	if c.Index.RRFConstant <= 0 {
		return fmt.Errorf("index.rrf_constant must be positive, got %d", c.Index.RRFConstant)
	}
	if c.Index.RetrievalTopK <= 0 {
		return fmt.Errorf("index.retrieval_top_k must be positive, got %d", c.Index.RetrievalTopK)
	}
	if c.Index.IncrementalThreshold <= 0 {
		return fmt.Errorf("index.incremental_threshold must be positive, got %d", c.Index.IncrementalThreshold)
	}
	if c.Index.LineWindow <= 0 {
		return fmt.Errorf("index.line_window must be positive, got %d", c.Index.LineWindow)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be positive, got %d", c.Queue.Attempts)
	}
	if c.Generation.MaxIterations <= 0 {
		return fmt.Errorf("generation.max_iterations must be positive, got %d", c.Generation.MaxIterations)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("logging.format must be 'json', 'text', or 'auto', got %s", c.Logging.Format)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
