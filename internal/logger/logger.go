package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process logger and the files behind it
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // log file path, rotated
	Console   bool      // enable console output
	Pretty    bool      // pretty format for console
	Redaction bool      // enable sensitive data redaction
	MaxSize   int       // max size in MB before rotation
	MaxAge    int       // max age in days
	Compress  bool      // compress rotated logs
	Out       io.Writer // console destination, stderr when nil
}

// New creates a new logger and installs it as the global zerolog logger
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	// Console goes to stderr so it never mixes with chat output
	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.Kitchen,
			}
		}
		writers = append(writers, out)
	}

	var file *RotatingWriter
	if cfg.File != "" {
		file, err = NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	// Verbosity lives in the global level so SetLevel reaches every copy
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	log.Logger = logger
	zerolog.SetGlobalLevel(level)

	return &Logger{
		logger:   logger,
		file:     file,
		redactor: redactor,
	}, nil
}

// SetLevel changes the verbosity of every logger at runtime
func SetLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.NoLevel, fmt.Errorf("log level is empty")
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, err
	}
	zerolog.SetGlobalLevel(parsed)
	return parsed, nil
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Redactor returns the redactor in use, nil when redaction is off
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
