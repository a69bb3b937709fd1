// Package logging configures the process-wide slog logger. The server
// writes JSON records to a size-rotated file under the data directory and
// mirrors them to stderr; when stderr is a terminal the mirror switches to
// the human-readable text handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Dir is the directory for log files. Empty disables file logging.
	Dir string
	// MaxSizeMB is the size threshold for rotation (default 10).
	MaxSizeMB int
	// MaxFiles is the number of rotated files to keep (default 5).
	MaxFiles int
	// Stderr mirrors records to stderr (default true).
	Stderr bool
}

// DefaultConfig returns file logging defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Level:     "info",
		Dir:       filepath.Join(dataDir, "logs"),
		MaxSizeMB: 10,
		MaxFiles:  5,
		Stderr:    true,
	}
}

// Setup builds the logger described by cfg, installs it as the slog
// default, and returns a cleanup that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	level := parseLevel(cfg.Level)

	var handlers []slog.Handler
	cleanup := func() {}

	if cfg.Dir != "" {
		writer, err := NewRotatingWriter(filepath.Join(cfg.Dir, "locus.log"), cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	if cfg.Stderr {
		handlers = append(handlers, stderrHandler(level))
	}

	var logger *slog.Logger
	switch len(handlers) {
	case 0:
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	case 1:
		logger = slog.New(handlers[0])
	default:
		logger = slog.New(fanoutHandler(handlers))
	}

	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// stderrHandler picks text output for interactive terminals and JSON
// otherwise, so piped logs stay machine-readable.
func stderrHandler(level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
