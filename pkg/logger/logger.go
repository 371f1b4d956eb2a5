// Package logger wraps slog with the daemon's fixed set of
// outputs (stdout or a single append-only file) and levels, plus a
// Component helper so each subsystem's lines carry a "component"
// field without every constructor threading its own *slog.Logger
// wiring.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so call sites use structured fields
// (Info("msg", "key", val)) uniformly across every package.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "file"
	File   string // path to log file, required when Output == "file"
}

var globalLogger *Logger

// New builds a Logger from Config. An unopenable log file falls back
// to stdout rather than failing construction, since a provisioning
// daemon running headless has no terminal to report that failure to.
func New(config Config) *Logger {
	level := parseLevel(config.Level)
	opts := &slog.HandlerOptions{Level: level}

	writer := os.Stdout
	if config.Output == "file" && config.File != "" {
		if f, err := os.OpenFile(config.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			writer = f
		}
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	l := &Logger{Logger: slog.New(handler)}
	if globalLogger == nil {
		globalLogger = l
	}
	return l
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child Logger that tags every record with
// component=name, so BLE, network, and display log lines can be
// filtered independently even though they share one Config/output.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Global returns the process-wide logger, defaulting to info/text/
// stdout if SetGlobal/New was never called.
func Global() *Logger {
	if globalLogger == nil {
		return New(Config{Level: "info", Format: "text"})
	}
	return globalLogger
}

// SetGlobal installs l as the process-wide logger returned by Global.
func SetGlobal(l *Logger) {
	globalLogger = l
}
