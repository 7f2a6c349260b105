package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger defines the structured logging surface used across the pipeline.
type Logger interface {
	WithService(serviceName string) *slog.Logger
	WithComponent(componentName string) *slog.Logger
	WithOperation(operationName string) *slog.Logger
	WithSymbol(symbol string) *slog.Logger
	WithMode(mode string) *slog.Logger
	WithRunID(runID string) *slog.Logger
	WithError(err error) *slog.Logger
	LogStartup(serviceName string, version string)
	LogShutdown(serviceName string, reason string)
	LogDatabaseOperation(operation string, table string, duration int64, rowsAffected int64)
	LogCacheOperation(operation string, key string, hit bool, duration int64)
	LogBusinessEvent(eventType string, details map[string]interface{})
	Logger() *slog.Logger
}

// StandardLogger provides a standardized logging interface
type StandardLogger struct {
	logger Logger
}

// NewStandardLogger creates a JSON logger on stdout at the given level.
func NewStandardLogger(logLevel string, environment string) *StandardLogger {
	return NewStandardLoggerWithWriter(logLevel, environment, os.Stdout)
}

// NewStandardLoggerWithWriter creates a JSON logger writing to w.
func NewStandardLoggerWithWriter(logLevel string, environment string, w io.Writer) *StandardLogger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: getSlogLevel(logLevel),
	}))
	if environment != "" {
		logger = logger.With("env", environment)
	}
	return &StandardLogger{logger: &slogLogger{logger: logger}}
}

// NewStandardOTLPLogger creates a standardized logger exporting through OTLP.
// It falls back to stdout JSON when the exporter cannot be created.
func NewStandardOTLPLogger(config OTLPConfig) (*StandardLogger, *OTLPLogger) {
	otlpLogger, err := NewOTLPLogger(config)
	if err != nil {
		fallback := NewStandardLogger(config.LogLevel, config.Environment)
		fallback.WithError(err).Warn("OTLP logger unavailable, using stdout")
		return fallback, nil
	}
	return &StandardLogger{logger: &slogLogger{logger: otlpLogger.Logger()}}, otlpLogger
}

// SetLogger sets the underlying logger implementation
func (l *StandardLogger) SetLogger(logger Logger) {
	l.logger = logger
}

func (l *StandardLogger) WithService(serviceName string) *slog.Logger {
	return l.logger.WithService(serviceName)
}

func (l *StandardLogger) WithComponent(componentName string) *slog.Logger {
	return l.logger.WithComponent(componentName)
}

func (l *StandardLogger) WithOperation(operationName string) *slog.Logger {
	return l.logger.WithOperation(operationName)
}

func (l *StandardLogger) WithSymbol(symbol string) *slog.Logger {
	return l.logger.WithSymbol(symbol)
}

func (l *StandardLogger) WithMode(mode string) *slog.Logger {
	return l.logger.WithMode(mode)
}

func (l *StandardLogger) WithRunID(runID string) *slog.Logger {
	return l.logger.WithRunID(runID)
}

func (l *StandardLogger) WithError(err error) *slog.Logger {
	return l.logger.WithError(err)
}

func (l *StandardLogger) LogStartup(serviceName string, version string) {
	l.logger.LogStartup(serviceName, version)
}

func (l *StandardLogger) LogShutdown(serviceName string, reason string) {
	l.logger.LogShutdown(serviceName, reason)
}

func (l *StandardLogger) LogDatabaseOperation(operation string, table string, duration int64, rowsAffected int64) {
	l.logger.LogDatabaseOperation(operation, table, duration, rowsAffected)
}

func (l *StandardLogger) LogCacheOperation(operation string, key string, hit bool, duration int64) {
	l.logger.LogCacheOperation(operation, key, hit, duration)
}

func (l *StandardLogger) LogBusinessEvent(eventType string, details map[string]interface{}) {
	l.logger.LogBusinessEvent(eventType, details)
}

// Logger returns the underlying *slog.Logger
func (l *StandardLogger) Logger() *slog.Logger {
	return l.logger.Logger()
}

// NewLogrusLogger builds the JSON logrus logger used by infrastructure adapters.
func NewLogrusLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLogrusLevel(level))
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// getSlogLevel converts string level to slog.Level
func getSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogrusLevel converts string level to logrus.Level
func ParseLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// slogLogger implements Logger on top of any slog handler.
type slogLogger struct {
	logger *slog.Logger
}

func (s *slogLogger) WithService(serviceName string) *slog.Logger {
	return s.logger.With("service", serviceName)
}

func (s *slogLogger) WithComponent(componentName string) *slog.Logger {
	return s.logger.With("component", componentName)
}

func (s *slogLogger) WithOperation(operationName string) *slog.Logger {
	return s.logger.With("operation", operationName)
}

func (s *slogLogger) WithSymbol(symbol string) *slog.Logger {
	return s.logger.With("symbol", symbol)
}

func (s *slogLogger) WithMode(mode string) *slog.Logger {
	return s.logger.With("mode", mode)
}

func (s *slogLogger) WithRunID(runID string) *slog.Logger {
	return s.logger.With("run_id", runID)
}

func (s *slogLogger) WithError(err error) *slog.Logger {
	if err == nil {
		return s.logger
	}
	return s.logger.With("error", err.Error())
}

func (s *slogLogger) LogStartup(serviceName string, version string) {
	s.logger.Info("Application startup",
		"service", serviceName,
		"version", version,
		"event", "startup",
	)
}

func (s *slogLogger) LogShutdown(serviceName string, reason string) {
	s.logger.Info("Application shutdown",
		"service", serviceName,
		"reason", reason,
		"event", "shutdown",
	)
}

func (s *slogLogger) LogDatabaseOperation(operation string, table string, duration int64, rowsAffected int64) {
	s.logger.Info("Database operation",
		"operation", operation,
		"table", table,
		"duration_ms", duration,
		"rows_affected", rowsAffected,
		"event", "database",
	)
}

func (s *slogLogger) LogCacheOperation(operation string, key string, hit bool, duration int64) {
	s.logger.Debug("Cache operation",
		"operation", operation,
		"key", key,
		"hit", hit,
		"duration_ms", duration,
		"event", "cache",
	)
}

func (s *slogLogger) LogBusinessEvent(eventType string, details map[string]interface{}) {
	s.logger.Info("Business event",
		"event_type", eventType,
		"details", details,
		"event", "business",
	)
}

func (s *slogLogger) Logger() *slog.Logger {
	return s.logger
}
