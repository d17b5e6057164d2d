package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/patchsmith/patchsmith/internal/config"
	"github.com/patchsmith/patchsmith/internal/embed"
	"github.com/patchsmith/patchsmith/internal/forge"
	"github.com/patchsmith/patchsmith/internal/generate"
	"github.com/patchsmith/patchsmith/internal/indexer"
	"github.com/patchsmith/patchsmith/internal/llm"
	"github.com/patchsmith/patchsmith/internal/logging"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/sandbox"
	"github.com/patchsmith/patchsmith/internal/store"
)

// app bundles the shared runtime assembled before workers start. Build
// order follows the dependency chain: config, logger, redis, stores,
// providers. Close releases everything in reverse.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	redis     *redis.Client
	registry  *store.InstallationRegistry
	meta      *store.RedisMetaStore
	indexes   *store.Manager
	sandboxes *sandbox.Manager
	embedder  *embed.CachedEmbedder
	llm       *llm.OpenAIClient
	forge     *forge.GitHubApp

	indexQueue *queue.Queue
	genQueue   *queue.Queue

	cleanups []func()
}

// buildApp assembles the shared runtime. With requireForge set, missing
// GitHub App credentials become a startup error instead of degraded
// anonymous-clone operation.
func buildApp(configPath string, requireForge bool) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.WriteToStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a.cleanups = append(a.cleanups, logCleanup)
	slog.SetDefault(logger)
	a.logger = logger

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	a.cleanups = append(a.cleanups, func() { _ = a.redis.Close() })

	a.registry, err = store.NewInstallationRegistry(cfg.RegistryPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open installation registry: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { _ = a.registry.Close() })

	a.meta = store.NewRedisMetaStore(a.redis)

	bm25 := store.DefaultBM25Config()
	bm25.K1 = cfg.Index.BM25K1
	bm25.B = cfg.Index.BM25B
	a.indexes = store.NewManager(cfg.IndexRoot(), bm25)
	a.cleanups = append(a.cleanups, func() { _ = a.indexes.CloseAll() })

	a.sandboxes, err = sandbox.NewManager(sandbox.Config{
		RootDir: cfg.SandboxRoot(),
		TTL:     cfg.Sandbox.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { _ = a.sandboxes.Close() })

	base, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		APIKey:     cfg.Embeddings.APIKey,
		BaseURL:    cfg.Embeddings.BaseURL,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.embedder, err = embed.NewCachedEmbedder(base, cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { _ = a.embedder.Close() })

	a.llm, err = llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		RequestTimeout:    cfg.LLM.RequestTimeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		MaxTokens:         cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	a.forge, err = buildForge(cfg, a.registry)
	if err != nil {
		return nil, err
	}
	if a.forge == nil && requireForge {
		return nil, fmt.Errorf("github app credentials are required to process generation jobs: " +
			"set github.app_id and github.private_key_path, or the matching PATCHSMITH_GITHUB_* variables")
	}

	queueCfg := queue.Config{
		MaxAttempts:        cfg.Queue.Attempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
	}
	a.indexQueue = queue.New(a.redis, queue.QueueIndexing, queueCfg)
	a.genQueue = queue.New(a.redis, queue.QueueGeneration, queueCfg)

	ok = true
	return a, nil
}

// Close releases everything built so far, most recent first.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// tokenSource adapts the optional forge to the indexer's interface
// without handing out a typed nil.
func (a *app) tokenSource() indexer.TokenSource {
	if a.forge == nil {
		return nil
	}
	return a.forge
}

// newIndexerPipeline builds the indexing queue handler.
func (a *app) newIndexerPipeline() (*indexer.Pipeline, error) {
	return indexer.NewPipeline(indexer.Config{
		Sandboxes:    a.sandboxes,
		Indexes:      a.indexes,
		Meta:         a.meta,
		Embedder:     a.embedder,
		Tokens:       a.tokenSource(),
		CloneTimeout: a.cfg.Sandbox.CloneTimeout,
		ChunkWorkers: a.cfg.Index.ChunkWorkers,
		Batch: embed.BatchConfig{
			BatchSize:       a.cfg.Embeddings.BatchSize,
			InterBatchDelay: a.cfg.Embeddings.InterBatchDelay,
		},
		Logger: a.logger,
	})
}

// newGeneratePipeline builds the generation queue handler.
func (a *app) newGeneratePipeline() (*generate.Pipeline, error) {
	return generate.NewPipeline(generate.Config{
		Sandboxes:         a.sandboxes,
		Indexes:           a.indexes,
		Meta:              a.meta,
		Embedder:          a.embedder,
		LLM:               a.llm,
		Forge:             a.forge,
		Indexing:          a.indexQueue,
		MaxIterations:     a.cfg.Generation.MaxIterations,
		SelectionFallback: a.cfg.Generation.SelectionFallback,
		RetrieveTopK:      a.cfg.Index.RetrievalTopK,
		WaitPollInterval:  a.cfg.Generation.WaitPollInterval,
		WaitTimeout:       a.cfg.Generation.WaitTimeout,
		CloneTimeout:      a.cfg.Sandbox.CloneTimeout,
		CommandTimeout:    a.cfg.Sandbox.CommandTimeout,
		InstallTimeout:    a.cfg.Sandbox.InstallTimeout,
		TestTimeout:       a.cfg.Sandbox.TestTimeout,
		BuildTimeout:      a.cfg.Sandbox.BuildTimeout,
		Logger:            a.logger,
	})
}

// buildForge creates the GitHub App client when credentials are
// configured. Without credentials it returns nil and clones stay
// anonymous.
func buildForge(cfg *config.Config, registry *store.InstallationRegistry) (*forge.GitHubApp, error) {
	key, err := githubKey(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.GitHub.AppID == 0 || len(key) == 0 {
		return nil, nil
	}
	return forge.NewGitHubApp(forge.Config{
		AppID:      cfg.GitHub.AppID,
		PrivateKey: key,
		APIBaseURL: cfg.GitHub.APIBaseURL,
	}, registry)
}

// githubKey resolves the app signing key from inline config or a file.
func githubKey(cfg *config.Config) ([]byte, error) {
	if cfg.GitHub.PrivateKey != "" {
		return []byte(cfg.GitHub.PrivateKey), nil
	}
	if cfg.GitHub.PrivateKeyPath == "" {
		return nil, nil
	}
	key, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read github private key: %w", err)
	}
	return key, nil
}
