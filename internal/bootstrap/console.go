package bootstrap

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/console"
	"ai-selector-healer/internal/ports"
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func runConsole(lc fx.Lifecycle, consoleInterface *console.Interface, browser ports.BrowserManager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting selector healer console...")

			if err := browser.Launch(ctx); err != nil {
				logger.Error("Failed to launch browser", zap.Error(err))

				return err
			}

			go func() {
				if err := consoleInterface.Start(); err != nil {
					logger.Error("Console interface error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down selector healer...")

			if err := consoleInterface.Stop(); err != nil {
				logger.Error("Failed to stop console", zap.Error(err))
			}

			if err := browser.Close(ctx); err != nil {
				logger.Error("Failed to close browser", zap.Error(err))
			}

			return nil
		},
	})
}

// releaseOracleOnStop unloads the model once the session ends so it does not
// hold GPU memory between runs.
func releaseOracleOnStop(lc fx.Lifecycle, conf *config.Config, healer ports.Healer, logger *zap.Logger) {
	if !conf.HealerConfig.ReleaseOnStop {
		return
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("Releasing oracle model...")
			healer.Release(ctx)

			return nil
		},
	})
}
