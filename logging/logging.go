// Package logging provides component-scoped console logging for agentwire.
//
// Output follows a traditional line format, LEVEL TIMESTAMP [component]
// message key=value, rendered through zerolog's console writer. Stdio
// servers must log to stderr because stdout carries protocol frames.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelOff   Level = "OFF"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// zerologLevels maps levels to the renderer's levels for filtering.
var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
	LevelOff:   zerolog.Disabled,
}

// Logger writes leveled, structured lines to an output.
// Loggers derived with WithComponent share the output lock of their parent.
type Logger struct {
	mu         *sync.Mutex
	output     io.Writer
	minLevel   Level
	component  string
	traceID    string
	noColor    bool
	timestamps bool
	zl         zerolog.Logger
}

// New creates a Logger writing to stderr at INFO, with environment
// overrides applied (see ApplyEnv).
func New() *Logger {
	l := &Logger{
		mu:         &sync.Mutex{},
		output:     os.Stderr,
		minLevel:   LevelInfo,
		noColor:    !isTerminal(os.Stderr),
		timestamps: true,
	}
	ApplyEnv(l)
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := &Logger{
		mu:       &sync.Mutex{},
		output:   io.Discard,
		minLevel: LevelOff,
		noColor:  true,
	}
	l.rebuild()
	return l
}

func (l *Logger) clone() *Logger {
	c := &Logger{
		mu:         l.mu,
		output:     l.output,
		minLevel:   l.minLevel,
		component:  l.component,
		traceID:    l.traceID,
		noColor:    l.noColor,
		timestamps: l.timestamps,
	}
	c.rebuild()
	return c
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithTraceID returns a new logger that adds trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	c.rebuild()
	return c
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	if _, ok := zerologLevels[level]; !ok {
		level = LevelInfo
	}
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer (default: stderr).
// Color is enabled only when w is a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	if f, ok := w.(*os.File); ok {
		l.noColor = l.noColor || !isTerminal(f)
	} else {
		l.noColor = true
	}
	l.rebuild()
}

// SetNoColor forces plain output.
func (l *Logger) SetNoColor(noColor bool) {
	l.noColor = noColor
	l.rebuild()
}

// SetTimestamps toggles the timestamp column.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Debug(), msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Warn(), msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Error(), msg, fields...)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields ...map[string]interface{}) {
	if ev == nil {
		return
	}
	if l.timestamps {
		ev = ev.Str(zerolog.TimestampFieldName, time.Now().UTC().Format(timestampLayout))
	}
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	if l.component != "" {
		msg = "[" + l.component + "] " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Msg(msg)
}

// rebuild recreates the zerolog renderer after a setting changed.
func (l *Logger) rebuild() {
	cw := zerolog.ConsoleWriter{
		Out:        &lockedWriter{l: l},
		NoColor:    l.noColor,
		PartsOrder: []string{zerolog.LevelFieldName, zerolog.TimestampFieldName, zerolog.MessageFieldName},
		FormatLevel: func(i interface{}) string {
			s, _ := i.(string)
			return fmt.Sprintf("%-5s", strings.ToUpper(s))
		},
		FormatTimestamp: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
	ctx := zerolog.New(cw).Level(zerologLevels[l.minLevel]).With()
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

// lockedWriter resolves the output at write time so SetOutput applies to
// an existing renderer. The caller already holds the shared lock.
type lockedWriter struct {
	l *Logger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	return w.l.output.Write(p)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
