// Package logging provides structured logging using Go's slog package.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
)

func init() {
	// Initialize with a default logger (JSON format, Info level)
	InitLogger(LevelInfo, FormatJSON)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// ParseLevel converts a level name ("debug", "info", "warn", "error").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat converts a format name ("json", "text").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	}
	return FormatJSON, fmt.Errorf("unknown log format %q", s)
}

// InitLogger initializes the global logger with the specified level and format.
func InitLogger(level Level, format Format) {
	InitLoggerTo(os.Stdout, level, format)
}

// InitLoggerTo initializes the global logger writing to w.
func InitLoggerTo(w io.Writer, level Level, format Format) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// Helper functions for common logging patterns

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// ControllerLifecycle logs a page controller binding or unbinding.
func ControllerLifecycle(event, controller, database string, args ...any) {
	allArgs := []any{
		"event", event,
		"controller", controller,
		"database", database,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("controller_lifecycle", allArgs...)
}

// PagingEvent logs a single entity moving in or out of memory.
func PagingEvent(op string, handle uint64, key string, size int, args ...any) {
	allArgs := []any{
		"op", op,
		"handle", fmt.Sprintf("%X", handle),
		"key", key,
		"bytes", size,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Debug("paging_event", allArgs...)
}

// FlushSummary logs the outcome of one orchestrator batch.
func FlushSummary(evicted, unloaded, skipped, pending int, stopped bool, duration time.Duration, args ...any) {
	allArgs := []any{
		"evicted", evicted,
		"unloaded", unloaded,
		"skipped", skipped,
		"pending", pending,
		"stopped", stopped,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("flush_summary", allArgs...)
}

// TransactionEvent logs a transaction frame transition.
func TransactionEvent(event string, depth, captured int, args ...any) {
	allArgs := []any{
		"event", event,
		"depth", depth,
		"captured", captured,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Debug("transaction_event", allArgs...)
}

// UndoEvent logs an undo stack operation.
func UndoEvent(event string, entries, undoDepth, redoDepth int, args ...any) {
	allArgs := []any{
		"event", event,
		"entries", entries,
		"undo_depth", undoDepth,
		"redo_depth", redoDepth,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Debug("undo_event", allArgs...)
}

// CorruptionEvent logs a scratch record that failed validation.
func CorruptionEvent(path string, offset int64, reason string, args ...any) {
	allArgs := []any{
		"path", path,
		"offset", offset,
		"reason", reason,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Error("corrupt_record", allArgs...)
}
