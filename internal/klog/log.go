// Package klog adapts franz-go's LogLevel/Logger façade (see
// github.com/twmb/franz-go/pkg/kgo's cfg.logger.Log(level, msg, keyvals...)
// call sites) to a concrete default backed by go.uber.org/zap, so every
// kgroup package logs through the same narrow interface instead of
// importing zap directly.
package klog

import (
	"fmt"

	"go.uber.org/zap"
)

// Level mirrors franz-go's LogLevel enum.
type Level int8

const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Logger is the logging capability every kgroup package depends on. keyvals
// is an alternating key/value list, same calling convention as franz-go's
// own Logger.Log.
type Logger interface {
	Level() Level
	Log(level Level, msg string, keyvals ...interface{})
}

// Nop discards everything; useful in tests.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Level() Level                      { return LevelNone }
func (nopLogger) Log(Level, string, ...interface{}) {}

// Zap adapts a *zap.SugaredLogger to the Logger interface.
type Zap struct {
	level Level
	sug   *zap.SugaredLogger
}

// NewZap wraps sug, logging everything at or below level.
func NewZap(sug *zap.SugaredLogger, level Level) *Zap {
	return &Zap{level: level, sug: sug}
}

func (z *Zap) Level() Level { return z.level }

func (z *Zap) Log(level Level, msg string, keyvals ...interface{}) {
	if level > z.level {
		return
	}
	l := z.sug.With(keyvals...)
	switch level {
	case LevelError:
		l.Error(msg)
	case LevelWarn:
		l.Warn(msg)
	case LevelInfo:
		l.Info(msg)
	case LevelDebug:
		l.Debug(msg)
	}
}

// Fields renders keyvals as " key=value" pairs for loggers that want a
// pre-formatted string.
func Fields(keyvals ...interface{}) string {
	s := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		s += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	return s
}
