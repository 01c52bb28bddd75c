package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedLayout = "20060102-150405.000"

// RotatingWriter appends to a log file and rolls it over past maxSize.
// Rolled files are optionally gzipped and pruned after maxAge days.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64 // bytes, zero disables rotation
	maxAge      int   // days, zero keeps everything
	compress    bool
	currentFile *os.File
	currentSize int64
	background  sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openLog(filename)
	if err != nil {
		return nil, err
	}

	rw := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: size,
	}

	rw.background.Add(1)
	go func() {
		defer rw.background.Done()
		rw.cleanup(time.Now())
	}()

	return rw, nil
}

func openLog(filename string) (*os.File, int64, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p, rotating first when p would overflow the current file
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return 0, os.ErrClosed
	}

	// An empty file always takes the write, even when p alone exceeds maxSize
	if w.maxSize > 0 && w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
		w.currentFile = nil
	}
	w.mu.Unlock()

	w.background.Wait()
	return err
}

// rotate must be called with mu held
func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	now := time.Now()
	rotatedName := fmt.Sprintf("%s.%s", w.filename, now.Format(rotatedLayout))
	// Two rollovers inside one millisecond must not overwrite each other
	for stamp := now; fileExists(rotatedName) || fileExists(rotatedName+".gz"); {
		stamp = stamp.Add(time.Millisecond)
		rotatedName = fmt.Sprintf("%s.%s", w.filename, stamp.Format(rotatedLayout))
	}
	if err := os.Rename(w.filename, rotatedName); err != nil {
		return err
	}

	file, _, err := openLog(w.filename)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = 0

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if w.compress {
			if err := compressFile(rotatedName); err != nil {
				fmt.Fprintf(os.Stderr, "log rotation: compress %s: %v\n", rotatedName, err)
			}
		}
		w.cleanup(now)
	}()

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

// cleanup removes rolled files older than maxAge relative to now
func (w *RotatingWriter) cleanup(now time.Time) {
	if w.maxAge <= 0 {
		return
	}

	files, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := now.AddDate(0, 0, -w.maxAge)
	for _, file := range files {
		if !isRotated(w.filename, file) {
			continue
		}
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
}

// isRotated reports whether path is a rolled copy of base
func isRotated(base, path string) bool {
	stamp := strings.TrimSuffix(strings.TrimPrefix(path, base+"."), ".gz")
	_, err := time.Parse(rotatedLayout, stamp)
	return err == nil
}
