// Package logging wraps log/slog with the JSON handler and the event-keyed
// helper methods the rest of the daemon uses for its recurring log shapes.
package logging

import (
	"log/slog"
	"os"
)

// Logger is a thin wrapper around *slog.Logger, threaded explicitly through
// component constructors rather than kept as a package global.
type Logger struct {
	*slog.Logger
}

// New builds the process-wide logger from the configured level.
func New(level string) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return &Logger{Logger: slog.New(handler).With("service", "vnidsd")}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a sub-logger tagged with a component name, the shape every
// subsystem constructor expects.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// LogSupervisorEvent logs a named subprocess-lifecycle event.
func (l *Logger) LogSupervisorEvent(event string, args ...any) {
	all := append([]any{"event", event}, args...)
	switch event {
	case "spawn_failed", "restart_exhausted":
		l.Error("supervisor event", all...)
	case "relaunching", "graceful_stop", "force_kill":
		l.Warn("supervisor event", all...)
	default:
		l.Info("supervisor event", all...)
	}
}

// LogIngestEvent logs a named ingest-path event.
func (l *Logger) LogIngestEvent(event string, args ...any) {
	all := append([]any{"event", event}, args...)
	switch event {
	case "parse_error", "line_dropped":
		l.Warn("ingest event", all...)
	case "connect_failed":
		l.Error("ingest event", all...)
	default:
		l.Debug("ingest event", all...)
	}
}

// LogControlEvent logs a named control-plane event.
func (l *Logger) LogControlEvent(event string, args ...any) {
	all := append([]any{"event", event}, args...)
	switch event {
	case "session_error", "oversized_message":
		l.Warn("control event", all...)
	default:
		l.Debug("control event", all...)
	}
}
