package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Logger defines the logging contract used by the migrator and the CLI.
// Implementations should support standard log levels and be safe for concurrent use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Level is the minimum severity a StdLogger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel converts a config value such as "warn" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// StdLogger wraps Go's standard logger with [LEVEL] tags.
type StdLogger struct {
	logger   *log.Logger
	min      Level
	colorize bool
}

// NewStdLogger creates a new StdLogger writing to stdout at info level.
func NewStdLogger() *StdLogger {
	return New(os.Stdout, LevelInfo, false)
}

// New creates a StdLogger writing to w. Messages below min are dropped.
// With colorize set the level tag is colored (fatih/color still honors NO_COLOR).
func New(w io.Writer, min Level, colorize bool) *StdLogger {
	return &StdLogger{
		logger:   log.New(w, "", log.LstdFlags),
		min:      min,
		colorize: colorize,
	}
}

func (l *StdLogger) Info(msg string, args ...any) {
	l.printf(LevelInfo, msg, args...)
}

func (l *StdLogger) Warn(msg string, args ...any) {
	l.printf(LevelWarn, msg, args...)
}

func (l *StdLogger) Error(msg string, args ...any) {
	l.printf(LevelError, msg, args...)
}

func (l *StdLogger) Debug(msg string, args ...any) {
	l.printf(LevelDebug, msg, args...)
}

func (l *StdLogger) printf(level Level, msg string, args ...any) {
	if level < l.min {
		return
	}
	tag := "[" + level.String() + "]"
	if l.colorize {
		tag = levelColors[level].Sprint(tag)
	}
	l.logger.Printf(tag+" "+msg, args...)
}

// Discard drops every message. Useful in tests.
var Discard Logger = &StdLogger{logger: log.New(io.Discard, "", 0), min: LevelError + 1}

// Default provides a global default logger instance using Go's standard logger.
var Default Logger = NewStdLogger()
