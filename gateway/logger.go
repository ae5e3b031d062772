package gateway

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured logging interface used throughout the gateway.
// Implementations can wrap any logging backend; the default wraps zerolog.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
}

// Field is a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a structured logging field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewDefaultLogger creates a zerolog-backed logger writing JSON to stderr.
func NewDefaultLogger() *ZerologLogger {
	return &ZerologLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}

func (l *ZerologLogger) Debug(_ context.Context, msg string, fields ...Field) {
	l.emit(l.logger.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(_ context.Context, msg string, fields ...Field) {
	l.emit(l.logger.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(_ context.Context, msg string, fields ...Field) {
	l.emit(l.logger.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(_ context.Context, msg string, fields ...Field) {
	l.emit(l.logger.Error(), msg, fields)
}

// NoOpLogger discards all log messages. Useful in tests.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (l *NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(ctx context.Context, msg string, fields ...Field) {}
