// Package logging builds the slog loggers shared by the CLI and the
// firewall packages.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config selects the handler of a Logger.
type Config struct {
	Level     Level
	Output    io.Writer
	JSON      bool
	AddSource bool
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger is a slog.Logger whose level can be changed after construction.
// Loggers derived with WithComponent share the level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: lv, AddSource: cfg.AddSource}

	var h slog.Handler = NewConsoleHandler(out, opts)
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

// Discard drops every record.
func Discard() *Logger {
	return New(Config{Level: LevelError + 4, Output: io.Discard})
}

// ParseLevel parses a level name as written in the config file or passed
// to --log-level. The empty string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var std atomic.Pointer[Logger]

// Default returns the process logger. Until SetDefault is called it is a
// DefaultConfig logger.
func Default() *Logger {
	if l := std.Load(); l != nil {
		return l
	}
	std.CompareAndSwap(nil, New(DefaultConfig()))
	return std.Load()
}

// SetDefault replaces the process logger. It is safe to call while other
// goroutines use Default.
func SetDefault(l *Logger) {
	std.Store(l)
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent tags records with a component, which the console handler
// prints in the line header.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(componentKey, name), level: l.level}
}

// Audit records a change made to the filter table or the watch list at
// info level. args are slog key-value pairs.
func (l *Logger) Audit(action, target string, args ...any) {
	l.Info("audit", append([]any{"action", action, "target", target}, args...)...)
}
