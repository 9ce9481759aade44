// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides leveled, structured logging for spyglass.
// Components receive a *Logger and attach key-value context to each
// message; package-level printf helpers exist for quick call sites.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level controls the minimum severity that is emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel converts a config string into a Level. Unknown values
// fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logger construction options.
type Config struct {
	Level  Level
	Format string // "text" or "json"
	Output io.Writer
}

// DefaultConfig returns the default logging configuration: info-level
// text output on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger is a leveled structured logger. Methods accept a message and
// alternating key-value pairs.
type Logger struct {
	s         *slog.Logger
	level     Level
	component string
}

// New creates a Logger from the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	return &Logger{s: slog.New(h), level: cfg.Level}
}

func slogLevel(l Level) slog.Level {
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

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		s:         l.s.With("component", name),
		level:     l.level,
		component: name,
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// Level returns the configured minimum level.
func (l *Logger) Level() Level { return l.level }

var (
	defaultMu     sync.Mutex
	defaultLogger atomic.Pointer[Logger]
)

// Default returns the process-wide logger, creating one lazily.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := New(DefaultConfig())
	defaultLogger.Store(l)
	return l
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// WithComponent returns a component-tagged child of the default logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// Printf-style helpers on the default logger. Kept for terse call
// sites like logging.Info("[KB] loaded %d entities", n).

func Debug(format string, args ...any) { Default().Debug(sprintf(format, args...)) }
func Info(format string, args ...any)  { Default().Info(sprintf(format, args...)) }
func Warn(format string, args ...any)  { Default().Warn(sprintf(format, args...)) }
func Error(format string, args ...any) { Default().Error(sprintf(format, args...)) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
