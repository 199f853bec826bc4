package usecase

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/ports"
	"ai-selector-healer/internal/usecase/adapters"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service struct {
	Steps   adapters.StepService
	Browser adapters.BrowserService
	Healer  adapters.HealerService
	Store   adapters.StoreService
}

type Params struct {
	fx.In

	Logger  *zap.Logger
	Config  *config.Config
	Browser ports.BrowserManager
	Healer  ports.Healer
	Store   ports.SelectorStore
}

func NewUsecase(params Params) *Service {
	factory := newServiceFactory(params)

	return &Service{
		Steps:   factory.CreateStepService(),
		Browser: factory.CreateBrowserService(),
		Healer:  factory.CreateHealerService(),
		Store:   factory.CreateStoreService(),
	}
}
