// Package logging wraps a process-wide bolt logger.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/felixgeelhaar/bolt/v3"
)

var (
	defaultLogger *bolt.Logger
	mu            sync.Mutex
)

type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	Output *os.File
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: os.Stderr}
}

func parseLevel(s string) bolt.Level {
	switch strings.ToLower(s) {
	case "trace":
		return bolt.TRACE
	case "debug":
		return bolt.DEBUG
	case "warn", "warning":
		return bolt.WARN
	case "error":
		return bolt.ERROR
	default:
		return bolt.INFO
	}
}

// Init replaces the process logger.
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	var handler bolt.Handler
	if cfg.Format == "json" {
		handler = bolt.NewJSONHandler(output)
	} else {
		handler = bolt.NewConsoleHandler(output)
	}
	mu.Lock()
	defaultLogger = bolt.New(handler).SetLevel(parseLevel(cfg.Level))
	mu.Unlock()
}

// Get returns the process logger, initializing it with defaults.
func Get() *bolt.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		Init(DefaultConfig())
		mu.Lock()
		l = defaultLogger
		mu.Unlock()
	}
	return l
}

// LogEvent chains Fields onto a bolt event.
type LogEvent struct {
	event *bolt.Event
}

func (l *LogEvent) Add(fields ...Field) *LogEvent {
	for _, f := range fields {
		l.event = f(l.event)
	}
	return l
}

func (l *LogEvent) Msg(msg string) {
	l.event.Msg(msg)
}

func Debug() *LogEvent { return &LogEvent{event: Get().Debug()} }
func Info() *LogEvent  { return &LogEvent{event: Get().Info()} }
func Warn() *LogEvent  { return &LogEvent{event: Get().Warn()} }
func Error() *LogEvent { return &LogEvent{event: Get().Error()} }
