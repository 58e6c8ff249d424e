// Package logging provides centralized logging configuration for ember.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger is the application-wide logger.
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// levelVar allows the level to be adjusted at runtime (config reload).
	levelVar slog.LevelVar

	// logWriter holds the log file writer (if any) for cleanup.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex
)

// FileConfig holds configuration for file-based logging with rotation.
type FileConfig struct {
	// Path is the file path for the log file. Empty disables file logging.
	Path string `yaml:"path"`

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int `yaml:"max_backups"`

	// Compress determines if rotated log files should be compressed.
	Compress bool `yaml:"compress"`
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// File configures optional file logging with rotation.
	File FileConfig `yaml:"file"`
	// JSON enables JSON output format.
	JSON bool `yaml:"json"`
}

// Initialize sets up the global logger with the given configuration.
// If File.Path is set, logs are written to both stderr and the rotating file.
func Initialize(cfg Config) error {
	levelVar.Set(ParseLevel(cfg.Level))

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	var w io.Writer = os.Stderr
	if cfg.File.Path != "" {
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.File.Compress,
		}
		logWriter = lj
		w = io.MultiWriter(os.Stderr, lj)
	}

	opts := &slog.HandlerOptions{Level: &levelVar}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// SetLevel adjusts the minimum log level at runtime.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close cleans up logging resources (closes the log file if open).
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
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

// ValidLevel reports whether level is a recognized log level name.
func ValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// Gateway returns a logger for connection gateway events.
func Gateway() *slog.Logger {
	return WithComponent("gateway")
}

// Session returns a logger for session actor events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Store returns a logger for event repository operations.
func Store() *slog.Logger {
	return WithComponent("store")
}

// Archive returns a logger for context archive operations.
func Archive() *slog.Logger {
	return WithComponent("archive")
}
