package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.GetZerolog()
		zl.Info().Str("session_id", "s1").Msg("session started")

		assert.Contains(t, buf.String(), `"session_id":"s1"`)
		assert.Contains(t, buf.String(), "session started")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "parley.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := logger.GetZerolog()
		zl.Debug().Msg("written to disk")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "written to disk")
	})

	t.Run("redaction wraps every writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Out: &buf, Redaction: true})
		require.NoError(t, err)
		defer logger.Close()
		require.NotNil(t, logger.Redactor())

		zl := logger.GetZerolog()
		zl.Info().Str("api_key", "sk-ant-REDACTED").Msg("provider configured")

		assert.NotContains(t, buf.String(), "abcdefghijklmnop")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})

	t.Run("bad level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	})

	t.Run("installs the global logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "warn", Console: true, Out: &buf})
		require.NoError(t, err)
		defer logger.Close()

		log.Info().Msg("dropped")
		log.Warn().Msg("kept")

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("unwritable file", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0600))

		_, err := New(Config{File: filepath.Join(blocker, "parley.log")})
		assert.Error(t, err)
	})
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Console: true, Out: &buf})
	require.NoError(t, err)
	defer logger.Close()
	zl := logger.GetZerolog()

	zl.Debug().Msg("before")
	level, err := SetLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)
	zl.Debug().Msg("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after", "copies taken before the change follow it")

	_, err = SetLevel("loud")
	assert.Error(t, err)
	_, err = SetLevel("")
	assert.Error(t, err)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
