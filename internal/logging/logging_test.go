package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pagecraft/abtest/internal/config"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abtest.log")
	logger, err := New(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("test_id", "hero"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "info is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "hero", entry["test_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_LevelParsing(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "DEBUG", Format: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(config.LogConfig{Level: "nonsense", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestMustNew_FallsBack(t *testing.T) {
	logger := MustNew(config.LogConfig{
		Level:       "info",
		OutputPaths: []string{filepath.Join(t.TempDir(), "missing-dir", "x.log")},
	})
	assert.NotNil(t, logger)
}
