package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level is a logging verbosity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
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

// SimpleLogger is a minimal, dependency-free Logger implementation that
// writes "[LEVEL] component: msg key=val key2=val2" lines to an
// *log.Logger. It supports immutable field/component chaining via
// WithFields and WithComponent: each call returns a new logger sharing the
// same output writer and level but carrying additional baseline fields.
type SimpleLogger struct {
	out       *log.Logger
	level     Level
	component string
	fields    map[string]interface{}
	mu        *sync.Mutex
}

var _ ComponentAwareLogger = (*SimpleLogger)(nil)

// NewSimpleLogger creates a logger writing to stderr at the level named by
// the QUEUE_LOG_LEVEL environment variable (default INFO).
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		out:   log.New(os.Stderr, "", log.LstdFlags),
		level: parseLevel(os.Getenv("QUEUE_LOG_LEVEL")),
		mu:    &sync.Mutex{},
	}
}

// WithComponent returns a logger that tags every line with component.
func (s *SimpleLogger) WithComponent(component string) Logger {
	clone := *s
	clone.component = component
	return &clone
}

// WithFields returns a logger carrying additional baseline fields merged
// into every subsequent log call.
func (s *SimpleLogger) WithFields(fields map[string]interface{}) *SimpleLogger {
	merged := make(map[string]interface{}, len(s.fields)+len(fields))
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	clone := *s
	clone.fields = merged
	return &clone
}

func (s *SimpleLogger) log(level Level, msg string, fields map[string]interface{}) {
	if level < s.level {
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level.String())
	b.WriteString("] ")
	if s.component != "" {
		b.WriteString(s.component)
		b.WriteString(": ")
	}
	b.WriteString(msg)

	all := make(map[string]interface{}, len(s.fields)+len(fields))
	for k, v := range s.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	if len(all) > 0 {
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, all[k])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Println(b.String())
}

func (s *SimpleLogger) Debug(msg string, fields map[string]interface{}) { s.log(LevelDebug, msg, fields) }
func (s *SimpleLogger) Info(msg string, fields map[string]interface{})  { s.log(LevelInfo, msg, fields) }
func (s *SimpleLogger) Warn(msg string, fields map[string]interface{})  { s.log(LevelWarn, msg, fields) }
func (s *SimpleLogger) Error(msg string, fields map[string]interface{}) { s.log(LevelError, msg, fields) }

func (s *SimpleLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	s.log(LevelDebug, msg, fields)
}
func (s *SimpleLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	s.log(LevelInfo, msg, fields)
}
func (s *SimpleLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	s.log(LevelWarn, msg, fields)
}
func (s *SimpleLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	s.log(LevelError, msg, fields)
}
