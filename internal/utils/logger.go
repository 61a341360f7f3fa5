package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger initializes the global logger. Development environments get a
// human-readable console encoder, everything else gets production JSON.
func InitLogger(level, environment string) error {
	var cfg zap.Config

	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	parsedLevel, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	logger = l
	return nil
}

func log() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func Debug(msg string, fields ...zap.Field) {
	log().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	log().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	log().Fatal(msg, fields...)
}

// Sync flushes any buffered log entries. Called on shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
