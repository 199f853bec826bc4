package usecase

import (
	"ai-selector-healer/internal/usecase/adapters"
)

type serviceFactory struct {
	deps Params
}

func newServiceFactory(deps Params) *serviceFactory {
	return &serviceFactory{
		deps: deps,
	}
}

func (f *serviceFactory) CreateStepService() adapters.StepService {
	return NewStepRunner(StepRunnerParams{
		Config:  f.deps.Config,
		Logger:  f.deps.Logger,
		Browser: f.deps.Browser,
		Healer:  f.deps.Healer,
	})
}

func (f *serviceFactory) CreateBrowserService() adapters.BrowserService {
	return f.deps.Browser
}

func (f *serviceFactory) CreateHealerService() adapters.HealerService {
	return f.deps.Healer
}

func (f *serviceFactory) CreateStoreService() adapters.StoreService {
	return f.deps.Store
}
