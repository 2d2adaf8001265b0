package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production emits JSON at the configured
// level; any other environment gets a console encoder. An empty level
// means debug outside production and info inside it.
func New(env, level string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := resolveLevel(env, level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	cfg := buildConfig(env)
	cfg.Level = lvl

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", "units-ledger")), lvl, nil
}

func resolveLevel(env, level string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}
	if env == "production" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
}

func buildConfig(env string) zap.Config {
	if env == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return cfg
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}
