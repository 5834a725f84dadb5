package sagalite

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the interface that wraps the basic logging methods. It is a pure
// side-effect sink: nothing it returns influences control flow, and a broken
// logger must not abort saga execution.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

type defaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger writes structured logs to stdout at the given level.
func NewDefaultLogger(level slog.Leveler, format LogFormat) Logger {
	return NewDefaultLoggerWithWriter(os.Stdout, level, format)
}

func NewDefaultLoggerWithWriter(w io.Writer, level slog.Leveler, format LogFormat) Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case JSONFormat:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &defaultLogger{logger: slog.New(handler)}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

// logger is the package-wide fallback used by sagas and steps that were not
// given their own Logger.
var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

// SetDefaultLogger replaces the package-wide fallback logger. Call it before
// building sagas; already-built sagas keep the logger they captured.
func SetDefaultLogger(l Logger) {
	if l != nil {
		logger = l
	}
}
