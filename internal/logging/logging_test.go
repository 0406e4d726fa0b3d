package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_WritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "grl.log")

	logger, closeFn, err := New(Options{File: path, Mode: "w", Console: &console})
	require.NoError(t, err)
	logger.Named("gateway").Info("request sent")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gateway")
	assert.Contains(t, string(data), "request sent")
	assert.Contains(t, console.String(), "request sent")
}

func TestNew_AppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grl.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	logger, closeFn, err := New(Options{File: path, Mode: "a", Console: &bytes.Buffer{}})
	require.NoError(t, err)
	Banner(logger, "test")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "previous run"))
	assert.Contains(t, string(data), "NEW RUN STARTED")
}

func TestNew_TruncateMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grl.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	logger, closeFn, err := New(Options{File: path, Mode: "w", Console: &bytes.Buffer{}})
	require.NoError(t, err)
	logger.Info("fresh")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "previous run")
}

func TestNew_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Console: &console})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	closeFn()

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	level, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
