// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the test generator.
//
// Records go to stderr (text or JSON) and, when LogDir is set, to a
// size-rotated JSON file managed by lumberjack. An optional LogExporter
// receives a copy of every record, which tests use to assert on output.
//
// Basic usage:
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "testgen"})
//	defer logger.Close()
//	logger.Info("session started", "session_id", id)
//
// Components inside the module accept a *slog.Logger; pass logger.Slog().
//
// This package does not redact anything. Never log credentials.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a case-insensitive level name to a Level.
//
// Unknown names return LevelInfo and false.
func ParseLevel(name string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger. The zero value logs Info+ text to stderr.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// LogDir enables file logging to "{Service}.log" in this directory.
	// Supports ~ expansion. File output is always JSON.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// MaxSizeMB is the size at which the log file rotates. Default: 10.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default: 3.
	MaxBackups int

	// Output replaces stderr as the console destination. Used by tests.
	Output io.Writer

	// Exporter receives a copy of every record at or above Level.
	Exporter LogExporter
}

// LogExporter receives log entries for external processing.
//
// Export is called synchronously from the logging goroutine and must not
// block. Flush and Close are called from Logger.Close.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is a structured record handed to a LogExporter.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *lumberjack.Logger
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger. Close must be called to release the log file.
//
// File logging failures are not fatal; the logger falls back to stderr.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	console := config.Output
	if console == nil {
		console = os.Stderr
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "testgen"
			}
			maxSize := config.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 10
			}
			maxBackups := config.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 3
			}
			logger.file = &lumberjack.Logger{
				Filename:   filepath.Join(logDir, serviceName+".log"),
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				MaxAge:     28,
				Compress:   false,
			}
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: config.Exporter,
			service:  config.Service,
			level:    config.Level,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for the "testgen" service.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "testgen",
	})
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child Logger carrying additional attributes.
//
// The child shares the parent's file and exporter; only the parent
// should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file.
//
// Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Handlers (Internal)
// =============================================================================

// multiHandler fans out records to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler converts slog records into LogEntry values.
type exportHandler struct {
	exporter LogExporter
	service  string
	level    Level
	attrs    []slog.Attr
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.toSlogLevel()
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	entry := LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	}
	_ = h.exporter.Export(ctx, entry)
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &exportHandler{exporter: h.exporter, service: h.service, level: h.level, attrs: merged}
}

func (h *exportHandler) WithGroup(_ string) slog.Handler {
	return h
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// BufferedExporter collects entries in memory for assertions in tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

// Export appends the entry.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Messages returns the message of every collected entry, in order.
func (e *BufferedExporter) Messages() []string {
	entries := e.Entries()
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Message
	}
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)
