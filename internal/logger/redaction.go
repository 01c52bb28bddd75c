package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines reach a writer
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with patterns for the credentials parley handles
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Provider keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Gateway shared secret, as header or config key
			regexp.MustCompile(`(?i)x-parley-secret["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)shared_secret["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)api_key["\s:=]+[^\s",}]+`),

			// Stream tokens in query strings
			regexp.MustCompile(`token=[a-zA-Z0-9._-]+`),

			// Passwords
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),

			// AWS keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// Generic secrets
			regexp.MustCompile(`secret["\s:=]+[^\s",}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// Redact replaces every match with a fixed marker
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not see a short write
// when redaction changed the line length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
