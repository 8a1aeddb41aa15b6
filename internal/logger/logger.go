// Package logger provides the structured, multi-destination logger used by
// every reportflow component.
package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Logger is the logging interface used throughout the application.
// Arguments after the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithComponent(component Component) Logger
	WithSource(source LogSource) Logger

	Close() error
}

// LogEntry is the JSON shape written by the file tier
type LogEntry struct {
	Timestamp    string                 `json:"timestamp"`
	Level        LogLevel               `json:"level"`
	Message      string                 `json:"message"`
	Component    Component              `json:"component,omitempty"`
	Source       LogSource              `json:"log_source,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	ScheduleID   string                 `json:"schedule_id,omitempty"`
	CollectionID string                 `json:"collection_id,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

type contextKey struct{}

// ContextWithFields attaches fields that every *Context log call will include
func ContextWithFields(ctx context.Context, fields map[string]interface{}) context.Context {
	merged := make(map[string]interface{}, len(fields))
	if existing, ok := ctx.Value(contextKey{}).(map[string]interface{}); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// sink is one log destination
type sink interface {
	log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{})
	Close() error
}

// MultiLogger implements Logger by dispatching to the console and file tiers.
// Derived loggers share the sinks; only the root should be closed.
type MultiLogger struct {
	config     *Config
	sinks      []sink
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

// NewLogger creates a logger based on configuration. A file tier that
// cannot be opened is reported on stderr and skipped.
func NewLogger(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{
		config:     config,
		baseFields: map[string]interface{}{},
	}

	if config.Console.Enabled {
		console, err := NewConsoleLogger(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create console logger: %w", err)
		}
		ml.sinks = append(ml.sinks, console)
	}

	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create file logger: %v\n", err)
		} else {
			ml.sinks = append(ml.sinks, file)
		}
	}

	return ml, nil
}

func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelDebug, msg, args...)
}

func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelInfo, msg, args...)
}

func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelWarn, msg, args...)
}

func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.log(context.Background(), LevelError, msg, args...)
}

func (ml *MultiLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelDebug, msg, args...)
}

func (ml *MultiLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelInfo, msg, args...)
}

func (ml *MultiLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelWarn, msg, args...)
}

func (ml *MultiLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelError, msg, args...)
}

// WithFields returns a logger that adds fields to every entry
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	derived := ml.derive()
	derived.baseFields = merged
	return derived
}

// WithComponent returns a logger tagged with a component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	derived := ml.derive()
	derived.component = component
	return derived
}

// WithSource returns a logger tagged with a log source
func (ml *MultiLogger) WithSource(source LogSource) Logger {
	derived := ml.derive()
	derived.source = source
	return derived
}

func (ml *MultiLogger) derive() *MultiLogger {
	return &MultiLogger{
		config:     ml.config,
		sinks:      ml.sinks,
		baseFields: ml.baseFields,
		component:  ml.component,
		source:     ml.source,
	}
}

// Close flushes and closes all sinks
func (ml *MultiLogger) Close() error {
	var errs []error
	for _, s := range ml.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ml *MultiLogger) log(ctx context.Context, level LogLevel, msg string, args ...interface{}) {
	if levelRank[level] < levelRank[ml.config.Level] {
		return
	}

	fields := make(map[string]interface{}, len(ml.baseFields)+len(args)/2)
	for k, v := range ml.baseFields {
		fields[k] = v
	}
	if ctx != nil {
		if ctxFields, ok := ctx.Value(contextKey{}).(map[string]interface{}); ok {
			for k, v := range ctxFields {
				fields[k] = v
			}
		}
	}
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprintf("%v", args[i])] = args[i+1]
	}

	for _, s := range ml.sinks {
		s.log(level, msg, ml.component, ml.source, fields)
	}
}

// NoOpLogger discards everything
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(string, ...interface{})                         {}
func (n *NoOpLogger) Info(string, ...interface{})                          {}
func (n *NoOpLogger) Warn(string, ...interface{})                          {}
func (n *NoOpLogger) Error(string, ...interface{})                         {}
func (n *NoOpLogger) DebugContext(context.Context, string, ...interface{}) {}
func (n *NoOpLogger) InfoContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) WarnContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) ErrorContext(context.Context, string, ...interface{}) {}
func (n *NoOpLogger) WithFields(map[string]interface{}) Logger             { return n }
func (n *NoOpLogger) WithComponent(Component) Logger                       { return n }
func (n *NoOpLogger) WithSource(LogSource) Logger                          { return n }
func (n *NoOpLogger) Close() error                                         { return nil }

var _ Logger = (*NoOpLogger)(nil)
var _ Logger = (*MultiLogger)(nil)

var (
	defaultLogger Logger = &NoOpLogger{}
	loggerMu      sync.RWMutex
)

// SetDefault sets the global default logger
func SetDefault(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = l
}

// Default returns the global default logger
func Default() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }
