package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "subdir", "parley.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "parley.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)

	data := []byte("test log message\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "test log message\n", string(content))

	_, err = rw.Write(data)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func rotated(t *testing.T, logFile string) []string {
	t.Helper()
	files, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	return files
}

func TestRotatingWriterRotation(t *testing.T) {
	t.Run("rolls over past max size", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		rw.maxSize = 64

		line := []byte(strings.Repeat("a", 40) + "\n")
		for i := 0; i < 3; i++ {
			_, err := rw.Write(line)
			require.NoError(t, err)
		}
		require.NoError(t, rw.Close())

		assert.Len(t, rotated(t, logFile), 2)
		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, string(line), string(content))
	})

	t.Run("oversized write lands in an empty file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		rw.maxSize = 8

		_, err = rw.Write([]byte(strings.Repeat("b", 100)))
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		assert.Empty(t, rotated(t, logFile))
	})

	t.Run("zero size never rotates", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")
		rw, err := NewRotatingWriter(logFile, 0, 7, false)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			_, err := rw.Write([]byte(strings.Repeat("c", 200)))
			require.NoError(t, err)
		}
		require.NoError(t, rw.Close())

		assert.Empty(t, rotated(t, logFile))
	})

	t.Run("compresses rolled files", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, true)
		require.NoError(t, err)
		rw.maxSize = 16

		_, err = rw.Write([]byte("first line here\n"))
		require.NoError(t, err)
		_, err = rw.Write([]byte("second\n"))
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		files := rotated(t, logFile)
		require.Len(t, files, 1)
		assert.True(t, strings.HasSuffix(files[0], ".gz"))

		f, err := os.Open(files[0])
		require.NoError(t, err)
		defer f.Close()
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		content, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, "first line here\n", string(content))
	})
}

func TestCompressFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "parley.log.20240101-120000.000")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0600))

	require.NoError(t, compressFile(testFile))

	_, err := os.Stat(testFile + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "parley.log")
	old := time.Now().AddDate(0, 0, -10)

	oldPlain := logFile + ".20200101-120000.000"
	oldGz := logFile + ".20200102-120000.000.gz"
	fresh := logFile + ".20200103-120000.000"
	unrelated := logFile + ".backup"
	for _, f := range []string{oldPlain, oldGz, fresh, unrelated} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0600))
	}
	for _, f := range []string{oldPlain, oldGz, unrelated} {
		require.NoError(t, os.Chtimes(f, old, old))
	}

	rw := &RotatingWriter{filename: logFile, maxAge: 7}
	rw.cleanup(time.Now())

	for _, f := range []string{oldPlain, oldGz} {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err), f)
	}
	for _, f := range []string{fresh, unrelated} {
		_, err := os.Stat(f)
		assert.NoError(t, err, f)
	}
}

func TestIsRotated(t *testing.T) {
	assert.True(t, isRotated("/l/parley.log", "/l/parley.log.20240101-120000.123"))
	assert.True(t, isRotated("/l/parley.log", "/l/parley.log.20240101-120000.123.gz"))
	assert.False(t, isRotated("/l/parley.log", "/l/parley.log.backup"))
}
