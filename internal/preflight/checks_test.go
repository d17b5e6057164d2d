package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCheck(t *testing.T) {
	t.Run("reachable server passes", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		result := RedisCheck{Client: client}.Run(context.Background())
		assert.Equal(t, StatusPass, result.Status)
		assert.True(t, result.Required)
	})

	t.Run("unreachable server fails", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		mr.Close()

		result := RedisCheck{Client: client}.Run(context.Background())
		assert.Equal(t, StatusFail, result.Status)
		assert.Contains(t, result.Message, "ping failed")
	})

	t.Run("nil client fails", func(t *testing.T) {
		result := RedisCheck{}.Run(context.Background())
		assert.Equal(t, StatusFail, result.Status)
	})
}

func TestDataDirCheck(t *testing.T) {
	t.Run("creates missing directory and passes", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data", "nested")

		result := DataDirCheck{Dir: dir}.Run(context.Background())
		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "writable")

		_, err := os.Stat(dir)
		require.NoError(t, err)
	})

	t.Run("path through a file fails", func(t *testing.T) {
		base := t.TempDir()
		blocker := filepath.Join(base, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		result := DataDirCheck{Dir: filepath.Join(blocker, "data")}.Run(context.Background())
		assert.Equal(t, StatusFail, result.Status)
	})
}

func TestRegistryCheck(t *testing.T) {
	t.Run("creates schema and passes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "registry.db")

		result := RegistryCheck{Path: path}.Run(context.Background())
		assert.Equal(t, StatusPass, result.Status)

		_, err := os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("unusable path fails", func(t *testing.T) {
		base := t.TempDir()
		blocker := filepath.Join(base, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		result := RegistryCheck{Path: filepath.Join(blocker, "registry.db")}.Run(context.Background())
		assert.Equal(t, StatusFail, result.Status)
	})
}

func TestLLMKeyCheck(t *testing.T) {
	result := LLMKeyCheck{}.Run(context.Background())
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.Required)

	result = LLMKeyCheck{APIKey: "sk-test"}.Run(context.Background())
	assert.Equal(t, StatusPass, result.Status)
	assert.NotContains(t, result.Message, "sk-test")
}

func TestFileLimitCheck(t *testing.T) {
	result := FileLimitCheck{}.Run(context.Background())
	assert.Equal(t, "file_descriptors", result.Name)
	assert.True(t, result.Required)
	assert.NotEmpty(t, result.Message)
}

// probeEmbedder satisfies embed.Embedder for availability tests.
type probeEmbedder struct {
	available bool
}

func (p probeEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1}, nil }

func (p probeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func (p probeEmbedder) Dimensions() int { return 1 }

func (p probeEmbedder) ModelName() string { return "probe-model" }

func (p probeEmbedder) Available(context.Context) bool { return p.available }

func (p probeEmbedder) Close() error { return nil }

func TestEmbedderCheck(t *testing.T) {
	t.Run("available provider passes", func(t *testing.T) {
		result := EmbedderCheck{Embedder: probeEmbedder{available: true}}.Run(context.Background())
		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "probe-model")
		assert.False(t, result.Required)
	})

	t.Run("unavailable provider warns", func(t *testing.T) {
		result := EmbedderCheck{Embedder: probeEmbedder{}}.Run(context.Background())
		assert.Equal(t, StatusWarn, result.Status)
	})

	t.Run("nil embedder warns", func(t *testing.T) {
		result := EmbedderCheck{}.Run(context.Background())
		assert.Equal(t, StatusWarn, result.Status)
	})
}
