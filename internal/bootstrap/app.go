package bootstrap

import (
	"ai-selector-healer/internal/browser"
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/console"
	"ai-selector-healer/internal/healer"
	"ai-selector-healer/internal/oracle"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/internal/store"
	"ai-selector-healer/internal/usecase"
	"ai-selector-healer/internal/validator"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

func NewApp() *fx.App {
	return fx.New(
		fx.Provide(
			config.GetConfig,
			newLogger,
			newTraceProvider,

			store.New,
			oracle.New,
			fx.Annotate(validator.NewValidator, fx.As(new(ports.Validator))),
			fx.Annotate(healer.NewHealer, fx.As(new(ports.Healer))),
			fx.Annotate(browser.NewManager, fx.As(new(ports.BrowserManager))),

			usecase.NewUsecase,

			console.NewInterface,
		),

		fx.Invoke(
			func(*sdktrace.TracerProvider) {},
			releaseOracleOnStop,
			runConsole,
		),

		fx.StartTimeout(2*time.Minute),
	)
}
