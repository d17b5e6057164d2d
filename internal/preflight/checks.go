package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patchsmith/patchsmith/internal/embed"
	"github.com/patchsmith/patchsmith/internal/store"
)

const (
	// MinDiskSpaceBytes is the minimum free space required in the data
	// directory (100MB). Sandboxes and indexes grow well past this; the
	// check only catches a disk that is already effectively full.
	MinDiskSpaceBytes = 100 * 1024 * 1024

	// MinFileDescriptors is the minimum file descriptor limit. Clones,
	// index segments, and the Redis pool all hold descriptors at once.
	MinFileDescriptors = 1024

	// probeTimeout bounds the network checks.
	probeTimeout = 5 * time.Second
)

// RedisCheck pings the queue backend.
type RedisCheck struct {
	Client redis.UniversalClient
}

func (RedisCheck) Name() string { return "redis" }

func (c RedisCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name(), Required: true}

	if c.Client == nil {
		result.Status = StatusFail
		result.Message = "no redis client configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.Client.Ping(ctx).Err(); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("ping failed: %v", err)
		result.Details = "Queues cannot accept or process jobs without Redis"
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// DataDirCheck verifies the data directory is writable and has free
// disk space.
type DataDirCheck struct {
	Dir string
}

func (DataDirCheck) Name() string { return "data_dir" }

func (c DataDirCheck) Run(context.Context) Result {
	result := Result{Name: c.Name(), Required: true}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", c.Dir, err)
		return result
	}

	probe := filepath.Join(c.Dir, ".patchsmith-preflight-test")
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.Dir, &stat); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		return result
	}
	availableBytes := stat.Bavail * uint64(stat.Bsize)

	if availableBytes < MinDiskSpaceBytes {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s free (minimum: 100 MB)", formatBytes(availableBytes))
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("writable, %s free", formatBytes(availableBytes))
	return result
}

// RegistryCheck opens the SQLite installation registry, creating its
// schema on first start.
type RegistryCheck struct {
	Path string
}

func (RegistryCheck) Name() string { return "registry" }

func (c RegistryCheck) Run(context.Context) Result {
	result := Result{Name: c.Name(), Required: true}

	reg, err := store.NewInstallationRegistry(c.Path)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot open %s: %v", c.Path, err)
		return result
	}
	_ = reg.Close()

	result.Status = StatusPass
	result.Message = "OK"
	result.Details = fmt.Sprintf("Registry: %s", c.Path)
	return result
}

// LLMKeyCheck verifies an LLM API key is configured. Without one every
// generation job fails at the first model call.
type LLMKeyCheck struct {
	APIKey string
}

func (LLMKeyCheck) Name() string { return "llm_credentials" }

func (c LLMKeyCheck) Run(context.Context) Result {
	result := Result{Name: c.Name(), Required: true}

	if c.APIKey == "" {
		result.Status = StatusFail
		result.Message = "no API key configured"
		result.Details = "Set PATCHSMITH_LLM_API_KEY or llm.api_key in the config file"
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// FileLimitCheck verifies the file descriptor limit is sufficient.
type FileLimitCheck struct{}

func (FileLimitCheck) Name() string { return "file_descriptors" }

func (c FileLimitCheck) Run(context.Context) Result {
	result := Result{Name: c.Name(), Required: true}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	if rLimit.Cur < MinFileDescriptors {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, MinFileDescriptors)
		result.Details = "Run 'ulimit -n 10240' to increase the limit"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, MinFileDescriptors)
	return result
}

// EmbedderCheck probes the embedding provider. Non-critical: chunks
// whose embedding fails are stored as zero vectors and BM25 retrieval
// still works, so an unreachable provider degrades rather than blocks.
type EmbedderCheck struct {
	Embedder embed.Embedder
}

func (EmbedderCheck) Name() string { return "embedder" }

func (c EmbedderCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name(), Required: false}

	if c.Embedder == nil {
		result.Status = StatusWarn
		result.Message = "no embedder configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !c.Embedder.Available(ctx) {
		result.Status = StatusWarn
		result.Message = "embedding probe failed"
		result.Details = "New chunks will be stored with zero vectors until the provider recovers"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("model %s ready", c.Embedder.ModelName())
	return result
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)

	switch {
	case bytes >= tb:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tb)
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
