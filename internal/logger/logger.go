package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// With returns a child logger carrying an extra string field.
	With(key, value string) Logger
}

// Config controls how the root logger is built.
type Config struct {
	Level  string
	Format string // json or console
	Output io.Writer
}

// ZeroLogger is a wrapper around zerolog.
type ZeroLogger struct {
	zl zerolog.Logger
}

// New builds the root logger. It is tagged with service=tape.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "tape").
		Logger()

	return &ZeroLogger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &ZeroLogger{zl: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debugf logs a message at the debug level.
func (l *ZeroLogger) Debugf(format string, v ...interface{}) {
	l.zl.Debug().Msg(fmt.Sprintf(format, v...))
}

// Infof logs a message at the info level.
func (l *ZeroLogger) Infof(format string, v ...interface{}) {
	l.zl.Info().Msg(fmt.Sprintf(format, v...))
}

// Warnf logs a message at the warn level.
func (l *ZeroLogger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msg(fmt.Sprintf(format, v...))
}

// Errorf logs a message at the error level.
func (l *ZeroLogger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msg(fmt.Sprintf(format, v...))
}

// With returns a child logger with key=value attached to every entry.
func (l *ZeroLogger) With(key, value string) Logger {
	return &ZeroLogger{zl: l.zl.With().Str(key, value).Logger()}
}

// WithComponent is shorthand for With("component", name).
func WithComponent(l Logger, name string) Logger {
	return l.With("component", name)
}
