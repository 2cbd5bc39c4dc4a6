// Package logging provides the structured logging wrapper used throughout
// the upload orchestration core. It wraps github.com/rs/zerolog so that
// callers never import zerolog directly, following the same boundary the
// rest of the codebase uses for its other external dependencies.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger wraps a zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// Event wraps a zerolog.Event.
type Event struct {
	ze *zerolog.Event
}

// Level mirrors zerolog.Level so callers don't need the zerolog import.
type Level int8

const (
	DebugLevel Level = Level(zerolog.DebugLevel)
	InfoLevel  Level = Level(zerolog.InfoLevel)
	WarnLevel  Level = Level(zerolog.WarnLevel)
	ErrorLevel Level = Level(zerolog.ErrorLevel)
	FatalLevel Level = Level(zerolog.FatalLevel)
	TraceLevel Level = Level(zerolog.TraceLevel)
	Disabled   Level = Level(zerolog.Disabled)
)

// DefaultLogger is the package-level logger used by the free functions below.
var DefaultLogger = Logger{zl: zlog.Logger}

// ParseLevel parses a level name, defaulting the error to the caller.
func ParseLevel(s string) (Level, error) {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return Level(zerolog.InfoLevel), err
	}
	return Level(lvl), nil
}

// SetGlobalLevel sets the minimum level emitted by every logger.
func SetGlobalLevel(l Level) {
	zerolog.SetGlobalLevel(zerolog.Level(l))
}

// IsLevelEnabled reports whether the global level would emit l.
func IsLevelEnabled(l Level) bool {
	return zerolog.Level(l) >= zerolog.GlobalLevel()
}

// New builds a Logger writing to w.
func New(w io.Writer) Logger {
	return Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// SetOutput redirects DefaultLogger (and the package-level helpers) to w.
func SetOutput(w io.Writer) {
	DefaultLogger = New(w)
}

// NewConsole builds a Logger that writes to stdout/stderr depending on dest.
func NewConsole(dest string) Logger {
	switch dest {
	case "STDERR":
		return New(os.Stderr)
	default:
		return New(os.Stdout)
	}
}

func (l Logger) With() zerolog.Context { return l.zl.With() }

func (l Logger) Debug() Event { return Event{ze: l.zl.Debug()} }
func (l Logger) Info() Event  { return Event{ze: l.zl.Info()} }
func (l Logger) Warn() Event  { return Event{ze: l.zl.Warn()} }
func (l Logger) Error() Event { return Event{ze: l.zl.Error()} }
func (l Logger) Fatal() Event { return Event{ze: l.zl.Fatal()} }
func (l Logger) Trace() Event { return Event{ze: l.zl.Trace()} }

func Debug() Event { return DefaultLogger.Debug() }
func Info() Event  { return DefaultLogger.Info() }
func Warn() Event  { return DefaultLogger.Warn() }
func Error() Event { return DefaultLogger.Error() }
func Fatal() Event { return DefaultLogger.Fatal() }
func Trace() Event { return DefaultLogger.Trace() }

func (e Event) Str(key, val string) Event {
	e.ze = e.ze.Str(key, val)
	return e
}

func (e Event) Int(key string, val int) Event {
	e.ze = e.ze.Int(key, val)
	return e
}

func (e Event) Uint64(key string, val uint64) Event {
	e.ze = e.ze.Uint64(key, val)
	return e
}

func (e Event) Int64(key string, val int64) Event {
	e.ze = e.ze.Int64(key, val)
	return e
}

func (e Event) Bool(key string, val bool) Event {
	e.ze = e.ze.Bool(key, val)
	return e
}

func (e Event) Dur(key string, val interface{ Nanoseconds() int64 }) Event {
	e.ze = e.ze.Int64(key+"_ms", val.Nanoseconds()/1e6)
	return e
}

func (e Event) Float64(key string, val float64) Event {
	e.ze = e.ze.Float64(key, val)
	return e
}

func (e Event) Time(key string, val time.Time) Event {
	e.ze = e.ze.Time(key, val)
	return e
}

func (e Event) Err(err error) Event {
	e.ze = e.ze.Err(err)
	return e
}

func (e Event) Msg(msg string) {
	e.ze.Msg(msg)
}

func (e Event) Msgf(format string, args ...interface{}) {
	e.ze.Msgf(format, args...)
}
