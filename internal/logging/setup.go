// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config fixes the logging policy at process start.
type Config struct {
	Level  string
	Format string // "text" or "json"

	// File enables rotating file output when set; stderr otherwise.
	File       string
	MaxSize    int // megabytes per file
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Setup installs the default logger. Every package logs through the
// charmbracelet default logger, so this is the single place output policy
// is decided.
func Setup(cfg Config) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
		log.Warn("invalid log level, using info", "level", cfg.Level)
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		// Log directory readable by the owner only.
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	opts := log.Options{
		Level:           level,
		ReportTimestamp: true,
	}
	if cfg.Format == "json" {
		opts.Formatter = log.JSONFormatter
	}

	log.SetDefault(log.NewWithOptions(w, opts))
	return nil
}
