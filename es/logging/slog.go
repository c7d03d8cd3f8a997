// Package logging adapts log/slog to es.Logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/getpup/pupstore/es"
)

// SlogLogger implements es.Logger on top of a *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

var _ es.Logger = (*SlogLogger)(nil)

// New wraps logger. A nil logger uses slog.Default.
func New(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// NewHandlerLogger builds a logger writing to w in the given format
// ("text" or "json") at the given level.
func NewHandlerLogger(w io.Writer, format string, level slog.Level) (*SlogLogger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return New(slog.New(h)), nil
}

// ParseLevel parses debug, info, warn or error. An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// With returns a logger that adds keyvals to every record.
func (l *SlogLogger) With(keyvals ...interface{}) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(keyvals...)}
}

// Slog returns the underlying logger.
func (l *SlogLogger) Slog() *slog.Logger {
	return l.logger
}

// Debug implements es.Logger.
func (l *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

// Info implements es.Logger.
func (l *SlogLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

// Error implements es.Logger.
func (l *SlogLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}
