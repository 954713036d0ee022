// Package logging produces severity-tagged, component-prefixed log lines on
// top of the standard library logger used across the service.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/getsentry/sentry-go"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps LOG_LEVEL values to a Level. Unknown values mean info.
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

// Logger writes lines of the form "[warn] store: message".
type Logger struct {
	out       *log.Logger
	component string
	min       Level
}

// New wraps out. A nil out discards everything.
func New(out *log.Logger, level string) *Logger {
	if out == nil {
		out = log.New(io.Discard, "", 0)
	}
	return &Logger{out: out, min: ParseLevel(level)}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(nil, "error")
}

// With returns a logger for a component. The name is used as a line prefix.
func (l *Logger) With(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// Std exposes the underlying logger for code that wants a *log.Logger.
func (l *Logger) Std() *log.Logger { return l.out }

func (l *Logger) Debugf(format string, args ...any) { l.emit(LevelDebug, "debug", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.emit(LevelInfo, "info", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.emit(LevelWarn, "warn", format, args...) }

// Eventf logs a lifecycle milestone. Events bypass level filtering.
func (l *Logger) Eventf(format string, args ...any) {
	l.write("event", fmt.Sprintf(format, args...))
}

// Errorf logs at error level and reports the line to Sentry when a client is
// configured.
func (l *Logger) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.min <= LevelError {
		l.write("error", msg)
	}
	if hub := sentry.CurrentHub(); hub != nil && hub.Client() != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			if l.component != "" {
				scope.SetTag("component", l.component)
			}
			hub.CaptureMessage(msg)
		})
	}
}

func (l *Logger) emit(level Level, tag, format string, args ...any) {
	if level < l.min {
		return
	}
	l.write(tag, fmt.Sprintf(format, args...))
}

func (l *Logger) write(tag, msg string) {
	if l.component != "" {
		l.out.Printf("[%s] %s: %s", tag, l.component, msg)
		return
	}
	l.out.Printf("[%s] %s", tag, msg)
}
