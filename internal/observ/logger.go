// Package observ builds the process logger.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "courier"

// NewLogger builds a JSON logger for production and staging and a colored
// console logger elsewhere. An unknown level falls back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	switch env {
	case "production", "staging":
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.InitialFields = map[string]any{
		"service": ServiceName,
		"env":     env,
	}

	return config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// ParseLevel maps a LOG_LEVEL value to a zap level.
func ParseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
