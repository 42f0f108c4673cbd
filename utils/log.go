package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// slogLevel places TRACE below slog's Debug and CRITICAL above its Error.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case TRACE:
		return slog.LevelDebug - 4
	case DEBUG:
		return slog.LevelDebug
	case INFO:
		return slog.LevelInfo
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// ParseLevel maps a CLI level name to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// Logger is a printf-style levelled logger emitting slog text records.
type Logger struct {
	sl     *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// NewLogger writes records at or above minLevel to w.
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(minLevel.slogLevel())
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(lvl))
				}
			}
			return a
		},
	})
	return &Logger{sl: slog.New(h), level: lv}
}

// NewFileLogger logs to a size-rotated file and optionally mirrors to stdout.
func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	rot := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    50, // MB
		MaxBackups: 5,
		Compress:   true,
	}
	var w io.Writer = rot
	if alsoStdout {
		w = io.MultiWriter(rot, os.Stdout)
	}
	l := NewLogger(w, minLevel)
	l.closer = rot
	return l, nil
}

// Named returns a logger that tags every record with component=name.
// The returned logger shares level and output with its parent.
func (l *Logger) Named(name string) *Logger {
	return &Logger{sl: l.sl.With(slog.String("component", name)), level: l.level}
}

func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

func (l *Logger) Enabled(level LogLevel) bool {
	return l.sl.Enabled(context.Background(), level.slogLevel())
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	lvl := level.slogLevel()
	if !l.sl.Enabled(context.Background(), lvl) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.sl.Log(context.Background(), lvl, msg)
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }

func levelName(lvl slog.Level) string {
	switch {
	case lvl < slog.LevelDebug:
		return TRACE.String()
	case lvl < slog.LevelInfo:
		return DEBUG.String()
	case lvl < slog.LevelWarn:
		return INFO.String()
	case lvl < slog.LevelError:
		return WARN.String()
	case lvl < slog.LevelError+4:
		return ERROR.String()
	default:
		return CRITICAL.String()
	}
}
