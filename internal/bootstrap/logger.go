package bootstrap

import (
	"ai-selector-healer/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(config *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if config.AppConfig.Debug {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.DisableStacktrace = true
	// The console owns stdout.
	zapConfig.OutputPaths = []string{"stderr"}

	if config.AppConfig.LogLevel != "" {
		level, err := zapcore.ParseLevel(config.AppConfig.LogLevel)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return logger.Named("healer"), nil
}
