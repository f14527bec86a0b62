package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the production logger for the ad selection service.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithService("adselection")
}

// InitLoggerWithService builds the production logger at the level derived from
// ENV and LOG_LEVEL.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(LogLevel(os.Getenv("ENV"), os.Getenv("LOG_LEVEL")), serviceName)
}

// InitLoggerWithLevel builds a JSON logger named after the service and installs
// it as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// LogLevel resolves the log level. An explicit level wins; otherwise
// development environments log at debug and everything else at info.
// Unparseable levels fall back to info.
func LogLevel(env, explicit string) zapcore.Level {
	if explicit != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(explicit))
		if err != nil {
			return zapcore.InfoLevel
		}
		return level
	}
	if isDevelopment(env) {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func isDevelopment(env string) bool {
	switch strings.ToLower(env) {
	case "development", "dev":
		return true
	}
	return false
}

// Component returns a child of logger named after an auction component. A nil
// logger falls back to the global one.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = zap.L()
	}
	return logger.Named(name).With(zap.String("component", name))
}
