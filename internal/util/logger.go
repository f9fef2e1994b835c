package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	loggerMu     sync.RWMutex
)

// Init builds the process logger for the given environment and installs it
// as the global logger. Later calls are ignored once a logger is installed.
func Init(environment, level, format string) *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger != nil {
		return globalLogger
	}

	var config zap.Config
	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.DisableStacktrace = true
		config.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(parseLogLevel(level))

	if format == "json" {
		config.Encoding = "json"
		config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		config.Encoding = "console"
	}

	// Always log to stdout for Docker
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.Fields(zap.String("service", "rada")),
	)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	globalLogger = logger
	zap.ReplaceGlobals(globalLogger)
	return globalLogger
}

// SetLogger swaps the global logger and returns a func restoring the old one.
// Tests use it with zaptest/observer to assert on emitted entries.
func SetLogger(l *zap.Logger) func() {
	loggerMu.Lock()
	prev := globalLogger
	globalLogger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		globalLogger = prev
		loggerMu.Unlock()
	}
}

// Get returns the global logger instance
func Get() *zap.Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return Init("production", "info", "json")
	}
	return l
}

// Sync flushes any buffered log entries
func Sync() {
	if l := Get(); l != nil {
		_ = l.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Field helpers

func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

func Int64(key string, value int64) zap.Field {
	return zap.Int64(key, value)
}

// ErrorField wraps err; named to avoid clashing with Error above.
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

func Time(key string, value time.Time) zap.Field {
	return zap.Time(key, value)
}

// UserID and InvoiceID keep the correlation keys spelled the same everywhere.
func UserID(id int64) zap.Field {
	return zap.Int64("user_id", id)
}

func InvoiceID(id string) zap.Field {
	return zap.String("invoice_id", id)
}
