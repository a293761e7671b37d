package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// StructuredLogger provides enhanced structured logging capabilities
// for the alerting engine. Component-scoped child loggers carry the
// service identity on every record.
type StructuredLogger struct {
	*slog.Logger
	serviceName    string
	serviceVersion string
	environment    string
	component      string
}

// Config holds configuration for the structured logger
type Config struct {
	Level       LogLevel `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"` // "json" or "text"
	ServiceName string   `json:"service_name" yaml:"service_name"`
	Version     string   `json:"version" yaml:"version"`
	Environment string   `json:"environment" yaml:"environment"`
	Component   string   `json:"component" yaml:"component"`
	AddSource   bool     `json:"add_source" yaml:"add_source"`
	TimeFormat  string   `json:"time_format" yaml:"time_format"`
}

// NewStructuredLogger creates a new structured logger instance
func NewStructuredLogger(config Config) *StructuredLogger {
	level := parseLevel(config.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	if config.TimeFormat != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   slog.TimeKey,
					Value: slog.StringValue(a.Value.Time().Format(config.TimeFormat)),
				}
			}
			return a
		}
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &StructuredLogger{
		Logger:         slog.New(handler),
		serviceName:    config.ServiceName,
		serviceVersion: config.Version,
		environment:    config.Environment,
		component:      config.Component,
	}
}

// NewTestLogger returns a logger suitable for unit tests (text, debug level).
func NewTestLogger() *StructuredLogger {
	return NewStructuredLogger(Config{
		Level:       LevelDebug,
		Format:      "text",
		ServiceName: "alerting-engine-test",
	})
}

// WithComponent creates a logger with a specific component context
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		Logger:         sl.Logger,
		serviceName:    sl.serviceName,
		serviceVersion: sl.serviceVersion,
		environment:    sl.environment,
		component:      component,
	}
}

// InfoWithContext logs an info message with full service context
func (sl *StructuredLogger) InfoWithContext(msg string, args ...any) {
	sl.Logger.Info(msg, sl.withServiceContext(args...)...)
}

// ErrorWithContext logs an error message with full service context
func (sl *StructuredLogger) ErrorWithContext(msg string, err error, args ...any) {
	attrs := sl.withServiceContext(args...)
	if err != nil {
		attrs = append(attrs, "error", err.Error(), "error_type", fmt.Sprintf("%T", err))
	}
	sl.Logger.Error(msg, attrs...)
}

// WarnWithContext logs a warning message with full service context
func (sl *StructuredLogger) WarnWithContext(msg string, args ...any) {
	sl.Logger.Warn(msg, sl.withServiceContext(args...)...)
}

// DebugWithContext logs a debug message with full service context
func (sl *StructuredLogger) DebugWithContext(msg string, args ...any) {
	sl.Logger.Debug(msg, sl.withServiceContext(args...)...)
}

// LogOperation logs the start and completion of an operation
func (sl *StructuredLogger) LogOperation(operationName string, fn func() error) error {
	start := time.Now()

	sl.InfoWithContext("Operation started",
		"operation", operationName,
	)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		sl.ErrorWithContext("Operation failed",
			err,
			"operation", operationName,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		sl.InfoWithContext("Operation completed",
			"operation", operationName,
			"duration_ms", duration.Milliseconds(),
		)
	}

	return err
}

// withServiceContext prepends the service identity to the attr list.
func (sl *StructuredLogger) withServiceContext(args ...any) []any {
	attrs := make([]any, 0, len(args)+8)
	if sl.serviceName != "" {
		attrs = append(attrs, "service", sl.serviceName)
	}
	if sl.serviceVersion != "" {
		attrs = append(attrs, "version", sl.serviceVersion)
	}
	if sl.environment != "" {
		attrs = append(attrs, "environment", sl.environment)
	}
	if sl.component != "" {
		attrs = append(attrs, "component", sl.component)
	}
	return append(attrs, args...)
}

func parseLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
