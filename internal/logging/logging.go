// Package logging provides structured logging for codeask.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

var logLevelPriority = map[LogLevel]int{
	DebugLevel: 0,
	InfoLevel:  1,
	WarnLevel:  2,
	ErrorLevel: 3,
}

// Format represents the output format for logs
type Format string

const (
	// JSONFormat outputs one JSON object per line
	JSONFormat Format = "json"
	// HumanFormat outputs a readable single-line format
	HumanFormat Format = "human"
)

// Config holds logger configuration
type Config struct {
	Format Format
	Level  LogLevel
	Output io.Writer // Optional, defaults to stdout
}

// Logger emits structured log lines. Child loggers created with WithFields
// share the parent's writer and level.
type Logger struct {
	config Config
	writer io.Writer
	mu     *sync.Mutex
	bound  map[string]interface{}
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config Config) *Logger {
	writer := config.Output
	if writer == nil {
		writer = os.Stdout
	}
	if _, ok := logLevelPriority[config.Level]; !ok {
		config.Level = InfoLevel
	}

	return &Logger{
		config: config,
		writer: writer,
		mu:     &sync.Mutex{},
	}
}

// WithFields returns a child logger whose lines always carry the given
// fields. Callers typically bind a component name once at construction.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.bound)+len(fields))
	for k, v := range l.bound {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		config: l.config,
		writer: l.writer,
		mu:     l.mu,
		bound:  merged,
	}
}

// logEntry is the serialized form of one line
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return logLevelPriority[level] >= logLevelPriority[l.config.Level]
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Fields:    l.mergeFields(fields),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.Format == JSONFormat {
		l.writeJSON(entry)
	} else {
		l.writeHuman(entry)
	}
}

func (l *Logger) mergeFields(fields map[string]interface{}) map[string]interface{} {
	if len(l.bound) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(l.bound)+len(fields))
	for k, v := range l.bound {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func (l *Logger) writeJSON(entry logEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(l.writer, string(data))
}

func (l *Logger) writeHuman(entry logEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", entry.Timestamp, entry.Level, entry.Message)

	if len(entry.Fields) > 0 {
		// Sorted so the same event always renders the same line.
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	_, _ = fmt.Fprintln(l.writer, b.String())
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(DebugLevel, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(InfoLevel, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(WarnLevel, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(ErrorLevel, message, fields)
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return NewLogger(Config{Format: HumanFormat, Level: ErrorLevel, Output: io.Discard})
}
