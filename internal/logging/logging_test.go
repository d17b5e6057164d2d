package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.log")

	logger, cleanup, err := Setup(Config{
		Level:         "info",
		Format:        "json",
		FilePath:      path,
		MaxSizeMB:     10,
		MaxFiles:      2,
		WriteToStderr: false,
	})
	require.NoError(t, err)

	logger.Info("index_completed", slog.String("repo_id", "42"), slog.Int("chunks", 7))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "index_completed", entry["msg"])
	assert.Equal(t, "42", entry["repo_id"])
	assert.Equal(t, float64(7), entry["chunks"])
}

func TestSetup_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchsmith.log")

	logger, cleanup, err := Setup(Config{
		Level:         "warn",
		Format:        "json",
		FilePath:      path,
		MaxSizeMB:     10,
		MaxFiles:      2,
		WriteToStderr: false,
	})
	require.NoError(t, err)

	logger.Debug("hidden_debug")
	logger.Info("hidden_info")
	logger.Warn("visible_warn")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.NotContains(t, content, "hidden_debug")
	assert.NotContains(t, content, "hidden_info")
	assert.Contains(t, content, "visible_warn")
}

func TestSetup_NoFileFallsBackToStderr(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelFromString(tt.in))
		})
	}
}

func TestResolveFormat_Explicit(t *testing.T) {
	assert.Equal(t, "json", resolveFormat("json"))
	assert.Equal(t, "text", resolveFormat("text"))
	assert.Equal(t, "text", resolveFormat("TEXT"))
}

func TestRotatingWriter_RotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotate.log")

	// 1MB limit keeps the test fast.
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	line := strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	// Rotation produced rotate.log plus at least one numbered file.
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)
}

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "out.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
