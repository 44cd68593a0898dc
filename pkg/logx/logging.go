package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const stampLayout = "2006-01-02T15:04:05.000Z07:00"

// levelNames maps accepted config spellings (upper-cased) to levels.
var levelNames = map[string]Level{
	"TRACE":   LevelTrace,
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARN":    LevelWarn,
	"WARNING": LevelWarn,
	"ERROR":   LevelError,
}

// Field writes one key onto an event. Later fields with the same key win.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Stringer calls v.String only when the event is written.
func Stringer(k string, v interface{ String() string }) Field {
	if v == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}

// Logger carries a sink and a set of bound fields. The zero value drops
// everything. Loggers handed out by a Service see its later Apply calls.
type Logger struct {
	sink   func() zerolog.Logger
	fields []Field
}

func fixed(zl zerolog.Logger) func() zerolog.Logger {
	return func() zerolog.Logger { return zl }
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{sink: fixed(zerolog.Nop())} }

// NewConsole builds a console logger for use before a Service exists.
func NewConsole(level string) Logger {
	return Logger{sink: fixed(build(consoleSink(os.Stdout), level))}
}

// NewWriter builds a JSON logger on w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{sink: fixed(build(w, level))}
}

func (l Logger) IsZero() bool { return l.sink == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.sink == nil {
		return zerolog.Nop()
	}
	return l.sink()
}

// Enabled reports whether an event at level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	bound := make([]Field, 0, len(l.fields)+len(fields))
	bound = append(bound, l.fields...)
	l.fields = append(bound, fields...)
	return l
}

// Component tags every event with comp=name.
func (l Logger) Component(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit must be called directly from a level method so Caller(2) lands on
// the user's frame.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e.Caller(2)
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func build(w io.Writer, level string) zerolog.Logger {
	setGlobals()
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func setGlobals() {
	zerolog.TimeFieldFormat = stampLayout
	zerolog.ErrorFieldName = "err"
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: stampLayout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func lookupLevel(s string) (Level, bool) {
	lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]
	return lvl, ok
}

// parseLevel falls back to info for empty or unknown names.
func parseLevel(s string) Level {
	if lvl, ok := lookupLevel(s); ok {
		return lvl
	}
	return LevelInfo
}

// ValidLevel reports whether s names a level. Empty means the default.
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	_, ok := lookupLevel(s)
	return ok
}
