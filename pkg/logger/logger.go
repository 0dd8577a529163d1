// Package logger wraps zap with Castellan's structured-field conventions:
// every entry carries the owning service name, and security-event-shaped
// context (host, channel, risk level, event id) attaches the same way
// across C2 through C7 instead of each package inventing its own keys.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}

// zapLogger wraps zap.Logger to implement our Logger interface
type zapLogger struct {
	logger *zap.SugaredLogger
}

// New creates a new structured logger
func New(level string, serviceName string) Logger {
	config := zap.NewProductionConfig()

	// Set log level
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Configure encoder for structured logging
	config.EncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Use JSON encoder in production, console encoder in development
	if os.Getenv("ENVIRONMENT") == "development" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Build logger
	built, err := config.Build()
	if err != nil {
		panic(err)
	}

	// Add service name to all log entries
	built = built.With(zap.String("service", serviceName))

	return &zapLogger{
		logger: built.Sugar(),
	}
}

// Debug logs a debug level message
func (l *zapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debugw(msg, fields...)
}

// Info logs an info level message
func (l *zapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Infow(msg, fields...)
}

// Warn logs a warn level message
func (l *zapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warnw(msg, fields...)
}

// Error logs an error level message
func (l *zapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Errorw(msg, fields...)
}

// Fatal logs a fatal level message and exits
func (l *zapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatalw(msg, fields...)
}

// With adds structured context to the logger
func (l *zapLogger) With(fields ...interface{}) Logger {
	return &zapLogger{
		logger: l.logger.With(fields...),
	}
}

// NewNoop creates a no-op logger for testing
func NewNoop() Logger {
	return &zapLogger{
		logger: zap.NewNop().Sugar(),
	}
}

// EventFields is the fixed key set attached by WithEvent, kept as named
// constants so pipeline stages and alerting queries agree on spelling.
const (
	FieldHost       = "host"
	FieldChannel    = "channel"
	FieldEventID    = "event_id"
	FieldRiskLevel  = "risk_level"
	FieldConfidence = "confidence"
)

// EventContext is the minimal shape WithEvent needs; callers copy its fields
// from an internal/models.LogEvent or SecurityEvent, so this package does not
// import models (which would invert the dependency between the two).
type EventContext struct {
	Host       string
	Channel    string
	EventID    int
	RiskLevel  string
	Confidence int
}

// WithEvent attaches the standard security-event field set to a logger, so
// every log line emitted while handling one event carries the same
// identifying context regardless of which pipeline stage wrote it.
func WithEvent(l Logger, ec EventContext) Logger {
	return l.With(
		FieldHost, ec.Host,
		FieldChannel, ec.Channel,
		FieldEventID, ec.EventID,
		FieldRiskLevel, ec.RiskLevel,
		FieldConfidence, ec.Confidence,
	)
}
