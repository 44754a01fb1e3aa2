// Package logger configures the global zerolog logger: level, console or
// JSON output, and an optional rotating log file.
package logger

import (
	"chartsync/internal/config"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the optional log file.
const (
	maxSizeMB  = 10 // max file size (MB) before rotation
	maxBackups = 5  // max number of old log files to keep
	maxAgeDays = 7  // max age (days) to retain a log file
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger writing to out, plus the configured file when set.
// The returned closer releases the file.
func New(opts config.LogConfig, out io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		lvl, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = lvl
	}

	// Console output for dev or when asked for, JSON otherwise
	var console io.Writer = out
	if opts.Environment == "dev" || opts.Format == "console" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writer := console
	var closer io.Closer = nopCloser{}
	if opts.OutputFile != "" {
		// Create parent directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(opts.OutputFile), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.OutputFile,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		writer = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// Setup installs the configured logger as the global zerolog logger.
func Setup(opts config.LogConfig) (io.Closer, error) {
	logger, closer, err := New(opts, os.Stderr)
	if err != nil {
		return nil, err
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(logger.GetLevel())
	log.Logger = logger
	return closer, nil
}
