package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/comicvault/comicvault/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("Initialize with stdout output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"}, "test")
		require.NoError(t, err)
		assert.Equal(t, DEBUG, logger.level)
		assert.True(t, logger.formatJSON)
	})

	t.Run("Initialize with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger, err := NewLogger(&config.LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "file",
			Directory: tmpDir,
		}, "comicvault")
		require.NoError(t, err)

		logger.log(INFO, "test message", nil)
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(filepath.Join(tmpDir, "comicvault.log"))
		require.NoError(t, err)
		assert.Contains(t, string(content), "test message")
	})

	t.Run("File output without directory fails", func(t *testing.T) {
		_, err := NewLogger(&config.LogConfig{Output: "file"}, "comicvault")
		assert.Error(t, err)
	})

	t.Run("Invalid log level defaults to info", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "invalid", Output: "stdout"}, "")
		require.NoError(t, err)
		assert.Equal(t, INFO, logger.level)
	})
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn", false)

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	logger.Warnf("warn %d", 3)
	logger.Errorf("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "WARN warn 3")
	assert.Contains(t, out, "ERROR error 4")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info", true)

	logger.WithField("task", "src:42").WithField("attempt", 2).Warn("retrying \"page\"")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, `retrying "page"`, record["msg"])
	assert.Equal(t, "src:42", record["task"])
	assert.Equal(t, float64(2), record["attempt"])
}

func TestLogEntryChaining(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug", false)

	logger.WithFields(map[string]interface{}{"phase": "content"}).
		WithError(errors.New("boom")).
		Errorf("task %s failed", "abc")

	out := buf.String()
	assert.Contains(t, out, "task abc failed")
	assert.Contains(t, out, "phase=content")
	assert.Contains(t, out, "error=boom")
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger())

	tmpDir := t.TempDir()
	require.NoError(t, InitLogger(&config.LogConfig{Level: "info", Output: "file", Directory: tmpDir}, "global"))
	Infof("hello %s", "world")
	require.NoError(t, GetLogger().Close())

	content, err := os.ReadFile(filepath.Join(tmpDir, "global.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello world")

	require.NoError(t, InitLogger(&config.LogConfig{Level: "info", Output: "stdout"}, "comicvault"))
}

func TestConcurrency(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info", false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.WithField("n", n).Info("line")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "\n"))
}
