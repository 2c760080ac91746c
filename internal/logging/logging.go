// Package logging provides structured logging for the feature store.
//
// This package wraps the standard library's log/slog package so every
// component logs with the same handler and attributes. Output is text or
// JSON, the level comes from configuration, and each component gets its
// own tagged logger.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(logging.Options{Level: "info"})
//	logging.Init(logging.Options{Level: "debug", JSON: true})
//
//	// Get a component logger
//	log := logging.Component("offline")
//	log.Info("segment flushed", "group", "user_features", "rows", 1200)
//
//	// Log with request-scoped values
//	ctx = logging.ContextWithGroup(ctx, "user_features")
//	logging.WithContext(ctx).Warn("online write failed", "error", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Options configures the global logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// JSON selects the JSON handler instead of human-readable text.
	JSON bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Init initializes the global logger. An unknown level falls back to info.
func Init(opts Options) {
	level, _ := ParseLevel(opts.Level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// Tests use it to capture or discard output.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// Discard silences all logging.
func Discard() {
	InitWithHandler(slog.NewTextHandler(io.Discard, nil))
}

// L returns the global logger, initializing it with defaults on first use.
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	Init(Options{})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger for a specific component.
//
// Example:
//
//	log := logging.Component("compaction")
//	log.Info("started") // time=... level=INFO component=compaction msg=started
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// WithContext returns a logger carrying the group and entity stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := L()

	if group, ok := ctx.Value(contextKeyGroup).(string); ok {
		l = l.With("group", group)
	}
	if entity, ok := ctx.Value(contextKeyEntity).(string); ok {
		l = l.With("entity", entity)
	}
	if op, ok := ctx.Value(contextKeyOperation).(string); ok {
		l = l.With("op", op)
	}

	return l
}

type contextKey int

const (
	contextKeyGroup contextKey = iota
	contextKeyEntity
	contextKeyOperation
)

// ContextWithGroup adds a feature group name to the context for logging.
func ContextWithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, contextKeyGroup, group)
}

// ContextWithEntity adds an entity key to the context for logging.
func ContextWithEntity(ctx context.Context, entity string) context.Context {
	return context.WithValue(ctx, contextKeyEntity, entity)
}

// ContextWithOperation adds an operation name to the context for logging.
func ContextWithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, contextKeyOperation, op)
}
