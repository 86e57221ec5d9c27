// Package logging is the structured logger shared by every package of the
// control plane. Entries carry service and version fields. A context adds the
// request correlation ID, the operation ID and the active trace.
package logging

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
)

// Logger wraps logrus with additional functionality
type Logger struct {
	*logrus.Logger
	serviceName string
	version     string
}

// Config holds logging configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`
	Format      string `json:"format" yaml:"format"`
	Output      string `json:"output" yaml:"output"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	Version     string `json:"version" yaml:"version"`
}

// ContextKey type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// OperationIDKey is the context key for a recoverable operation ID
	OperationIDKey ContextKey = "operation_id"
)

// badKey labels a value whose key is missing from a key/value list
const badKey = "!BADKEY"

// FromConfig builds a logger configuration from the loaded application config
func FromConfig(cfg config.LoggingConfig, version string) *Config {
	return &Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		Output:      cfg.Output,
		ServiceName: "avatar-resilience",
		Version:     version,
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = &Config{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			ServiceName: "avatar-resilience",
			Version:     "unknown",
		}
	}

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid log level").WithCause(err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
				logrus.FieldKeyFile:  "file",
			},
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unsupported log format: %s", config.Format))
	}

	switch strings.ToLower(config.Output) {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, errors.NewConfigurationError("failed to open log file").WithCause(err)
		}
		logger.SetOutput(file)
	}

	return &Logger{
		Logger:      logger,
		serviceName: config.ServiceName,
		version:     config.Version,
	}, nil
}

// NewNopLogger returns a logger that discards everything, for tests
func NewNopLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger, serviceName: "test", version: "test"}
}

// WithContext creates an entry carrying the correlation ID, operation ID and
// the IDs of the span active in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{
		"service": l.serviceName,
		"version": l.version,
	}

	if id := GetCorrelationID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	if id := GetOperationID(ctx); id != "" {
		fields["operation_id"] = id
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	return l.Logger.WithContext(ctx).WithFields(fields)
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	baseFields := logrus.Fields{
		"service": l.serviceName,
		"version": l.version,
	}

	for k, v := range fields {
		baseFields[k] = v
	}

	return l.Logger.WithFields(baseFields)
}

// WithError creates an entry with the error and, for application errors,
// its type and code
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(errorFields(err))
}

func errorFields(err error) logrus.Fields {
	fields := logrus.Fields{"error": err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		fields["error_type"] = string(appErr.Type)
		fields["error_code"] = appErr.Code
	} else {
		fields["error_type"] = fmt.Sprintf("%T", err)
	}
	return fields
}

// WithComponent returns a child logger whose entries all carry the component field
func (l *Logger) WithComponent(component string) *Logger {
	child := logrus.New()
	child.SetOutput(l.Logger.Out)
	child.SetFormatter(l.Logger.Formatter)
	child.SetLevel(l.Logger.GetLevel())
	child.AddHook(componentHook{component: component})
	return &Logger{
		Logger:      child,
		serviceName: l.serviceName,
		version:     l.version,
	}
}

// LogRecoveryEvent logs an event produced while recovering an operation
func (l *Logger) LogRecoveryEvent(ctx context.Context, event, operationName string, attempt int, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":          event,
		"operation_name": operationName,
		"attempt":        attempt,
	})

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	entry.Info("Recovery event")
}

// LogComponentEvent logs fallback and recovery events for a named component
func (l *Logger) LogComponentEvent(ctx context.Context, event, component string, success bool, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":     event,
		"component": component,
		"success":   success,
	})

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if success {
		entry.Info("Component event")
	} else {
		entry.Warn("Component event failed")
	}
}

// LogError logs an error with context. Debug level adds the stack trace.
func (l *Logger) LogError(ctx context.Context, err error, message string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(errorFields(err))

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if l.Logger.Level >= logrus.DebugLevel {
		entry = entry.WithField("stack_trace", getStackTrace())
	}

	entry.Error(message)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithOperationID adds an operation ID to context
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, OperationIDKey, operationID)
}

// GetCorrelationID retrieves correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOperationID retrieves the operation ID from context
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// getStackTrace returns the current stack trace
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Global logger instance
var globalLogger *Logger

func init() {
	var err error
	globalLogger, err = NewLogger(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize global logger: %v", err))
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// OrGlobal returns l, or the global logger when l is nil
func OrGlobal(l *Logger) *Logger {
	if l == nil {
		return globalLogger
	}
	return l
}

// Info logs an info message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Info(msg)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Warn(msg)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Error(msg)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Debug(msg)
}

// parseKeysAndValues converts key-value pairs to logrus.Fields. A trailing
// value without a partner is kept under badKey.
func parseKeysAndValues(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2+1)

	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 == len(keysAndValues) {
			fields[badKey] = keysAndValues[i]
			break
		}
		key := fmt.Sprintf("%v", keysAndValues[i])
		value := keysAndValues[i+1]
		switch v := value.(type) {
		case error:
			if v != nil {
				value = v.Error()
			}
		case time.Duration:
			value = v.String()
		}
		fields[key] = value
	}

	return fields
}

type componentHook struct {
	component string
}

func (h componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h componentHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["component"]; !ok {
		entry.Data["component"] = h.component
	}
	return nil
}
