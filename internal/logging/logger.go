package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Custom log levels with Trace below Debug
const (
	TraceLevel = zapcore.Level(-8) // Below Debug (-4)
)

// customLowercaseLevelEncoder handles our custom Trace level display (lowercase)
func customLowercaseLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case TraceLevel:
		enc.AppendString("trace")
	default:
		zapcore.LowercaseLevelEncoder(level, enc)
	}
}

// Logger embeds zap.Logger and adds Trace level support
type Logger struct {
	*zap.Logger
}

// SugaredLogger embeds zap.SugaredLogger and adds Trace level support
type SugaredLogger struct {
	*zap.SugaredLogger
}

// New creates a new logger with the given name
func New(name string) *Logger {
	logFormat := os.Getenv("LOG_FORMAT")
	isDevelopment := logFormat == "development" || logFormat == "console"

	var cfg zap.Config
	if isDevelopment {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.EncoderConfig.EncodeLevel = customLowercaseLevelEncoder
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		level, err := parseLevel(logLevel)
		if err != nil {
			fmt.Printf("Failed to parse log level %q: %s\n", logLevel, err) //nolint:forbidigo // logger setup error reporting
		} else {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.Sampling = nil

	zapLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return &Logger{Logger: zapLogger.Named(name)}
}

// parseLevel parses log level string including our custom "trace" level
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// Override Sugar to return our custom SugaredLogger
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{SugaredLogger: l.Logger.Sugar()}
}

// Override Named to return our custom Logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// Override With to return our custom Logger
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Add Trace method to Logger
func (l *Logger) Trace(msg string, fields ...zap.Field) {
	l.Log(TraceLevel, msg, fields...)
}

// Add Tracew method to SugaredLogger
func (s *SugaredLogger) Tracew(msg string, keysAndValues ...any) {
	s.Logw(TraceLevel, msg, keysAndValues...)
}

// Override With to return our custom SugaredLogger
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.With(args...)}
}

// Override Named to return our custom SugaredLogger
func (s *SugaredLogger) Named(name string) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.Named(name)}
}
