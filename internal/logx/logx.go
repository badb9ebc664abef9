// Package logx provides the leveled logging wrapper shared by the daemon's
// components.
package logx

import (
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger wraps a std logger with a level gate and component prefix.
type Logger struct {
	logger    *log.Logger
	level     Level
	component string
}

func New(logger *log.Logger, level Level, component string) *Logger {
	return &Logger{logger: logger, level: level, component: component}
}

// WithComponent returns a logger sharing the same sink and level.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger, level: l.level, component: component}
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if l == nil || l.logger == nil || level < l.level {
		return
	}
	l.logger.Printf("%s %s %s: "+format,
		append([]any{time.Now().Format(time.RFC3339), level.String(), l.component}, args...)...)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }

// Std exposes the underlying std logger for collaborators that take one.
func (l *Logger) Std() *log.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}
