// Package log provides scoped structured logging on top of zerolog.
package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	scopeKey   = "s"
	timeFormat = "2006-01-02 15:04:05.000"
)

// Logger is a thin value wrapper over a zerolog logger.
type Logger struct {
	zl *zerolog.Logger
}

// InitGlobals configures the process-wide logger and returns it.
// Loggers obtained via [New] or [Ctx] without a context logger derive from it.
func InitGlobals(level zerolog.Level, json, noColor bool) Logger {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    noColor,
			TimeFormat: timeFormat,
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	l := newLogger(w, level)
	zerolog.DefaultContextLogger = l.zl

	return l
}

func newLogger(w io.Writer, level zerolog.Level) Logger {
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()

	return Logger{zl: &zl}
}

// New returns a global logger tagged with the scope.
func New(scope string) Logger {
	return global().With(Scope(scope))
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return global()
	}

	return Logger{zl: zerolog.Ctx(ctx)}
}

func global() Logger {
	if zerolog.DefaultContextLogger != nil {
		return Logger{zl: zerolog.DefaultContextLogger}
	}

	nop := zerolog.Nop()

	return Logger{zl: &nop}
}

// With returns a child logger carrying the attributes.
func (l Logger) With(attrs ...Attr) Logger {
	c := l.zl.With()
	for _, attr := range attrs {
		c = attr(c)
	}

	zl := c.Logger()

	return Logger{zl: &zl}
}

// WithContext stores the logger in ctx.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.zl.WithContext(ctx)
}

// Unwrap returns the underlying zerolog logger.
func (l Logger) Unwrap() *zerolog.Logger {
	return l.zl
}

func (l Logger) Trace(msg string) {
	l.zl.Trace().Msg(msg)
}

func (l Logger) Tracef(format string, args ...any) {
	l.zl.Trace().Msgf(format, args...)
}

func (l Logger) Debug(msg string) {
	l.zl.Debug().Msg(msg)
}

func (l Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

func (l Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

func (l Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs msg at error level with err attached.
func (l Logger) Error(err error, msg string) {
	l.zl.Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, args ...any) {
	l.zl.Error().Err(err).Msgf(format, args...)
}
